package marketplace_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/carmarket/internal/logging"
	"github.com/R3E-Network/carmarket/internal/marketplace"
	"github.com/R3E-Network/carmarket/internal/marketplace/marketplacetest"
)

func TestCreateListing_StoresShiftedPrice(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	o := newClient(t, ledger, alice)

	receipt, err := o.CreateListing(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, marketplace.ActionCreate, receipt.Action)
	assert.NotEmpty(t, receipt.TxHash)
	assert.NotEmpty(t, receipt.OperationID)

	snap := o.Context().Listings.Snapshot()
	require.Len(t, snap, 1)
	l := snap[0]
	assert.Equal(t, "1500000000000000000", l.Price.String())
	assert.Equal(t, "1.50", marketplace.FormatAmount(l.Price, marketplace.DefaultDecimals))
	assert.Equal(t, alice, l.Owner)
	assert.Equal(t, int64(0), l.Sold)
	assert.Equal(t, int64(1), l.Available)
	assert.False(t, l.IsDeleted)

	assert.Equal(t, []string{"uploadCar", "uploadCar:confirmed"}, ledger.Calls())
}

func TestCreateListing_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*marketplace.ListingInput)
	}{
		{"missing name", func(in *marketplace.ListingInput) { in.Name = "  " }},
		{"missing image", func(in *marketplace.ListingInput) { in.ImageURL = "" }},
		{"bad price", func(in *marketplace.ListingInput) { in.Price = "abc" }},
		{"zero price", func(in *marketplace.ListingInput) { in.Price = "0" }},
		{"negative price", func(in *marketplace.ListingInput) { in.Price = "-1" }},
		{"too precise", func(in *marketplace.ListingInput) { in.Price = "0.0000000000000000001" }},
		{"no units", func(in *marketplace.ListingInput) { in.Available = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := marketplacetest.NewLedger()
			o := newClient(t, ledger, alice)
			in := validInput()
			tt.modify(&in)

			_, err := o.CreateListing(context.Background(), in)
			assert.True(t, errors.Is(err, marketplace.ErrInvalidInput), "got %v", err)
			assert.Empty(t, ledger.Calls())
		})
	}
}

func TestCreateListing_Rejected(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	o := newClient(t, ledger, alice)
	ledger.FailConfirm("uploadCar", errors.New("FAULT: insufficient GAS"))

	_, err := o.CreateListing(context.Background(), validInput())
	assert.True(t, errors.Is(err, marketplace.ErrTransactionRejected))
	assert.Equal(t, 0, o.Context().Listings.Len())

	st, ok := o.Status(marketplace.ActionCreate)
	require.True(t, ok)
	assert.Equal(t, marketplace.StateIdle, st.State)
	assert.Equal(t, marketplace.StateFailed, st.LastOutcome)
	assert.Contains(t, st.LastError, "insufficient GAS")
}

func TestPurchaseListing_ApprovesBeforeBuying(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	ledger.AddCar(alice, "coupe", tokens(2), 3)
	ledger.SetBalance(bob, tokens(10))

	o := newClient(t, ledger, bob)
	receipt, err := o.PurchaseListing(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ApprovalTxHash)
	assert.NotEqual(t, receipt.ApprovalTxHash, receipt.TxHash)

	assert.Equal(t, []string{"approve", "approve:confirmed", "buyCar", "buyCar:confirmed"}, ledger.Calls())

	l, ok := o.Context().Listings.Listing(0)
	require.True(t, ok)
	assert.Equal(t, int64(2), l.Available)
	assert.Equal(t, int64(1), l.Sold)

	balance, err := o.Context().Approvals.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokens(8).String(), balance.String())
}

func TestPurchaseListing_ApprovalFailureSkipsPurchase(t *testing.T) {
	for _, inject := range []string{"submit", "confirm"} {
		t.Run(inject, func(t *testing.T) {
			ledger := marketplacetest.NewLedger()
			ledger.AddCar(alice, "coupe", big.NewInt(100), 1)
			ledger.SetBalance(bob, big.NewInt(1000))
			o := newClient(t, ledger, bob)

			if inject == "submit" {
				ledger.FailSubmit("approve", errors.New("user rejected signature"))
			} else {
				ledger.FailConfirm("approve", errors.New("FAULT"))
			}

			_, err := o.PurchaseListing(context.Background(), 0)
			assert.True(t, errors.Is(err, marketplace.ErrApprovalFailed), "got %v", err)
			assert.NotContains(t, ledger.Calls(), "buyCar")
		})
	}
}

func TestPurchaseListing_UnavailableNeverApproves(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	ledger.AddCar(alice, "sold", big.NewInt(100), 0)
	ledger.AddCar(alice, "retired", big.NewInt(100), 1)
	ledger.Retire(1)
	o := newClient(t, ledger, bob)

	for _, idx := range []int{0, 1, 2, -1} {
		_, err := o.PurchaseListing(context.Background(), idx)
		assert.True(t, errors.Is(err, marketplace.ErrInvalidListing), "index %d: got %v", idx, err)
	}
	assert.Empty(t, ledger.Calls())
}

func TestPurchaseListing_BuyRejected(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	ledger.AddCar(alice, "coupe", big.NewInt(100), 1)
	// No balance: the contract refuses the transfer.
	o := newClient(t, ledger, bob)

	receipt, err := o.PurchaseListing(context.Background(), 0)
	assert.Nil(t, receipt)
	assert.True(t, errors.Is(err, marketplace.ErrTransactionRejected), "got %v", err)
	assert.Contains(t, err.Error(), "insufficient balance")

	l, _ := o.Context().Listings.Listing(0)
	assert.Equal(t, int64(1), l.Available)
}

func TestRetireListing_NonOwnerSubmitsNothing(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	ledger.AddCar(alice, "coupe", big.NewInt(100), 1)
	o := newClient(t, ledger, bob)

	_, err := o.RetireListing(context.Background(), 0)
	assert.True(t, errors.Is(err, marketplace.ErrUnauthorized), "got %v", err)
	assert.Empty(t, ledger.Calls())
}

func TestRetireListing_InvalidIndex(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	ledger.AddCar(alice, "coupe", big.NewInt(100), 1)
	ledger.Retire(0)
	o := newClient(t, ledger, alice)

	_, err := o.RetireListing(context.Background(), 0)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidListing))
	_, err = o.RetireListing(context.Background(), 5)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidListing))
	assert.Empty(t, ledger.Calls())
}

func TestOperation_RefreshFailureAfterConfirmation(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	o := newClient(t, ledger, alice)
	ledger.FailRead("readCars", 0, errors.New("rpc timeout"))

	receipt, err := o.CreateListing(context.Background(), validInput())
	require.NotNil(t, receipt)
	assert.NotEmpty(t, receipt.TxHash)
	assert.True(t, errors.Is(err, marketplace.ErrLedgerReadFailure), "got %v", err)

	st, _ := o.Status(marketplace.ActionCreate)
	assert.Equal(t, marketplace.StateSucceeded, st.LastOutcome)
}

func TestOperation_StateTransitions(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	o := newClient(t, ledger, alice)

	var mu sync.Mutex
	var seen []marketplace.State
	o.Subscribe(func(tr marketplace.Transition) {
		mu.Lock()
		seen = append(seen, tr.To)
		mu.Unlock()
	})

	_, err := o.CreateListing(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, []marketplace.State{
		marketplace.StateValidating,
		marketplace.StateSubmitting,
		marketplace.StateAwaitingConfirmation,
		marketplace.StateSucceeded,
		marketplace.StateIdle,
	}, seen)

	seen = nil
	_, err = o.RetireListing(context.Background(), 9)
	require.Error(t, err)
	assert.Equal(t, []marketplace.State{marketplace.StateValidating, marketplace.StateFailed, marketplace.StateIdle}, seen)
}

func TestOperation_SingleFlight(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	ledger.AddCar(alice, "coupe", big.NewInt(100), 5)
	ledger.SetBalance(bob, big.NewInt(1000))
	o := newClient(t, ledger, bob)

	var nested error
	o.Subscribe(func(tr marketplace.Transition) {
		if tr.Action == marketplace.ActionPurchase && tr.To == marketplace.StateSubmitting {
			// A second purchase while the first is in flight is refused.
			_, nested = o.PurchaseListing(context.Background(), 0)
		}
	})

	_, err := o.PurchaseListing(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, errors.Is(nested, marketplace.ErrOperationInFlight), "got %v", nested)

	// Other action kinds are not blocked and the purchase slot is free again.
	st, _ := o.Status(marketplace.ActionPurchase)
	assert.Equal(t, marketplace.StateIdle, st.State)
}

func TestEndToEnd_CreateThenPurchase(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	ledger.SetBalance(bob, tokens(5))
	seller := newClient(t, ledger, alice)
	buyer := newClient(t, ledger, bob)
	ctx := context.Background()

	_, err := seller.CreateListing(ctx, validInput())
	require.NoError(t, err)

	snap := seller.Context().Listings.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].IsDeleted)
	assert.Equal(t, int64(0), snap[0].Sold)
	assert.Equal(t, marketplace.ViewRetire, snap[0].ActionFor(alice))

	require.NoError(t, buyer.Refresh(ctx))
	l, ok := buyer.Context().Listings.Listing(0)
	require.True(t, ok)
	assert.Equal(t, marketplace.ViewBuy, l.ActionFor(bob))

	_, err = buyer.PurchaseListing(ctx, 0)
	require.NoError(t, err)

	l, _ = buyer.Context().Listings.Listing(0)
	assert.Equal(t, int64(0), l.Available)
	assert.Equal(t, int64(1), l.Sold)
	assert.Equal(t, marketplace.ViewSoldOut, l.ActionFor(bob))

	before := len(ledger.Calls())
	_, err = buyer.PurchaseListing(ctx, 0)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidListing))
	assert.Len(t, ledger.Calls(), before)
}

func TestEndToEnd_RetireKeepsIndex(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	o := newClient(t, ledger, alice)
	ctx := context.Background()

	_, err := o.CreateListing(ctx, validInput())
	require.NoError(t, err)

	_, err = o.RetireListing(ctx, 0)
	require.NoError(t, err)

	l, ok := o.Context().Listings.Listing(0)
	require.True(t, ok)
	assert.True(t, l.IsDeleted)
	assert.Empty(t, o.Context().Listings.Active())

	next := validInput()
	next.Name = "Wagon"
	_, err = o.CreateListing(ctx, next)
	require.NoError(t, err)

	snap := o.Context().Listings.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "Roadster", snap[0].Name)
	assert.True(t, snap[0].IsDeleted)
	assert.Equal(t, 1, snap[1].Index)
	assert.Equal(t, "Wagon", snap[1].Name)

	active := o.Context().Listings.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].Index)
}

func TestPurchaseListing_ReportsEachPhase(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	ledger.AddCar(alice, "coupe", big.NewInt(100), 1)
	ledger.SetBalance(bob, big.NewInt(1000))
	o := newClient(t, ledger, bob)

	var mu sync.Mutex
	var seen []marketplace.Transition
	o.Subscribe(func(tr marketplace.Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})

	receipt, err := o.PurchaseListing(context.Background(), 0)
	require.NoError(t, err)

	states := make([]marketplace.State, len(seen))
	for i, tr := range seen {
		states[i] = tr.To
	}
	assert.Equal(t, []marketplace.State{
		marketplace.StateValidating,
		marketplace.StateSubmitting,
		marketplace.StateAwaitingConfirmation,
		marketplace.StateSubmitting,
		marketplace.StateAwaitingConfirmation,
		marketplace.StateSucceeded,
		marketplace.StateIdle,
	}, states)
	assert.Equal(t, receipt.ApprovalTxHash, seen[2].TxHash)
	assert.Equal(t, receipt.TxHash, seen[4].TxHash)
}

func TestOperation_PanickingObserver(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	o := newClient(t, ledger, alice)

	var after int
	o.Subscribe(func(tr marketplace.Transition) {
		if tr.To == marketplace.StateAwaitingConfirmation {
			panic("observer bug")
		}
	})
	o.Subscribe(func(marketplace.Transition) { after++ })

	_, err := o.CreateListing(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, 5, after)

	st, _ := o.Status(marketplace.ActionCreate)
	assert.Equal(t, marketplace.StateIdle, st.State)

	_, err = o.CreateListing(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, 2, o.Context().Listings.Len())
}

// heldBinder binds listings whose next ReadCar, once armed, reads the ledger
// and then withholds the result until release is closed.
type heldBinder struct {
	*marketplacetest.Binder
	armed   atomic.Bool
	held    chan struct{}
	release chan struct{}
}

func (b *heldBinder) BindListings(ctx context.Context, actor string) (marketplace.ListingsContract, error) {
	inner, err := b.Binder.BindListings(ctx, actor)
	if err != nil {
		return nil, err
	}
	return &heldListings{ListingsContract: inner, b: b}, nil
}

type heldListings struct {
	marketplace.ListingsContract
	b *heldBinder
}

func (h *heldListings) ReadCar(ctx context.Context, index int) (marketplace.CarRecord, error) {
	rec, err := h.ListingsContract.ReadCar(ctx, index)
	if h.b.armed.CompareAndSwap(true, false) {
		close(h.b.held)
		<-h.b.release
	}
	return rec, err
}

func TestRefresh_SlowRefreshDoesNotRevertPurchase(t *testing.T) {
	ledger := marketplacetest.NewLedger()
	ledger.AddCar(alice, "coupe", big.NewInt(100), 1)
	ledger.SetBalance(bob, big.NewInt(1000))

	binder := &heldBinder{
		Binder:  &marketplacetest.Binder{Ledger: ledger},
		held:    make(chan struct{}),
		release: make(chan struct{}),
	}
	log := logging.NewDiscard("test")
	cc := marketplace.NewClientContext(marketplacetest.NewAgent(bob), binder, marketplace.Options{
		FetchConcurrency: 4,
		Logger:           log,
	})
	ctx := context.Background()
	require.NoError(t, cc.Session.Connect(ctx))
	o := marketplace.NewOrchestrator(cc, log)
	require.NoError(t, o.Refresh(ctx))

	binder.armed.Store(true)
	slow := make(chan error, 1)
	go func() { slow <- o.Refresh(ctx) }()
	<-binder.held

	_, err := o.PurchaseListing(ctx, 0)
	require.NoError(t, err)
	l, _ := cc.Listings.Listing(0)
	require.Equal(t, int64(0), l.Available)

	close(binder.release)
	require.NoError(t, <-slow)

	l, _ = cc.Listings.Listing(0)
	assert.Equal(t, int64(0), l.Available)
	assert.Equal(t, int64(1), l.Sold)

	before := len(ledger.Calls())
	_, err = o.PurchaseListing(ctx, 0)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidListing), "got %v", err)
	assert.Len(t, ledger.Calls(), before)
}
