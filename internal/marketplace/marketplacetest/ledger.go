// Package marketplacetest provides an in-memory ledger, signing agent and
// binder for tests of code built on the marketplace package.
package marketplacetest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/R3E-Network/carmarket/internal/marketplace"
)

// ListingsHash is the address the fake listings contract reports.
const ListingsHash = "0x9999999999999999999999999999999999999999"

// Agent hands out a fixed account list.
type Agent struct {
	Granted   []string
	EnableErr error
}

// NewAgent returns an agent granting the given accounts.
func NewAgent(accounts ...string) *Agent {
	return &Agent{Granted: accounts}
}

func (a *Agent) Enable(context.Context) error { return a.EnableErr }

func (a *Agent) Accounts(context.Context) ([]string, error) {
	return a.Granted, nil
}

// Car is a listing as stored by the fake contract.
type Car struct {
	marketplace.CarRecord
	Image   string
	Deleted bool
}

// Ledger is an in-memory listings contract plus payment token. Writes take
// effect when their transaction is waited on, the way a block confirms them.
type Ledger struct {
	mu         sync.Mutex
	cars       []Car
	allowances map[string]*big.Int
	balances   map[string]*big.Int
	calls      []string
	txSeq      int

	lengthErr  error
	readErr    map[string]error
	submitErr  map[string]error
	confirmErr map[string]error

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		allowances: make(map[string]*big.Int),
		balances:   make(map[string]*big.Int),
		readErr:    make(map[string]error),
		submitErr:  make(map[string]error),
		confirmErr: make(map[string]error),
	}
}

// AddCar stores a listing directly and returns its index.
func (l *Ledger) AddCar(owner, name string, price *big.Int, available int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cars = append(l.cars, Car{
		CarRecord: marketplace.CarRecord{
			Owner:     owner,
			Name:      name,
			Model:     "Model " + name,
			Color:     "red",
			Price:     new(big.Int).Set(price),
			Available: available,
		},
		Image: "https://img.example/" + name + ".png",
	})
	return len(l.cars) - 1
}

// Car returns a copy of the listing at index.
func (l *Ledger) Car(index int) Car {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.cars[index]
	c.Price = new(big.Int).Set(c.Price)
	return c
}

// Retire marks a listing deleted without a transaction.
func (l *Ledger) Retire(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cars[index].Deleted = true
}

// SetBalance sets an account's token balance.
func (l *Ledger) SetBalance(account string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = new(big.Int).Set(amount)
}

// FailLength makes getCarsLength fail with err; nil clears it.
func (l *Ledger) FailLength(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lengthErr = err
}

// FailRead makes one field read of one listing fail. method is readCars,
// carImage or isCarDeleted.
func (l *Ledger) FailRead(method string, index int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr[fmt.Sprintf("%s:%d", method, index)] = err
}

// FailSubmit makes submitting method fail with err.
func (l *Ledger) FailSubmit(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErr[method] = err
}

// FailConfirm makes the transactions of method fail on execution.
func (l *Ledger) FailConfirm(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmErr[method] = err
}

// Calls returns the write submissions and confirmations seen so far, such as
// "approve" followed by "approve:confirmed".
func (l *Ledger) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// MaxInflight returns the highest number of concurrent field reads observed.
func (l *Ledger) MaxInflight() int32 {
	return l.maxInflight.Load()
}

func (l *Ledger) read(method string, index int) error {
	n := l.inflight.Add(1)
	defer l.inflight.Add(-1)
	for {
		m := l.maxInflight.Load()
		if n <= m || l.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readErr[fmt.Sprintf("%s:%d", method, index)]; err != nil {
		return err
	}
	if index < 0 || index >= len(l.cars) {
		return fmt.Errorf("%s: index %d out of range", method, index)
	}
	return nil
}

func (l *Ledger) submit(method string, confirm func() error) (marketplace.PendingTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, method)
	if err := l.submitErr[method]; err != nil {
		return nil, err
	}
	l.txSeq++
	return &pendingTx{
		hash: fmt.Sprintf("0x%064x", l.txSeq),
		wait: func() error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if err := l.confirmErr[method]; err != nil {
				return err
			}
			if err := confirm(); err != nil {
				return err
			}
			l.calls = append(l.calls, method+":confirmed")
			return nil
		},
	}, nil
}

type pendingTx struct {
	hash string
	wait func() error
}

func (t *pendingTx) Hash() string { return t.hash }

func (t *pendingTx) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.wait()
}

// Binder binds handles on a shared ledger for the connecting actor.
type Binder struct {
	Ledger  *Ledger
	BindErr error
}

func (b *Binder) BindListings(_ context.Context, actor string) (marketplace.ListingsContract, error) {
	if b.BindErr != nil {
		return nil, b.BindErr
	}
	return &listings{l: b.Ledger, actor: actor}, nil
}

func (b *Binder) BindToken(_ context.Context, actor string) (marketplace.TokenContract, error) {
	if b.BindErr != nil {
		return nil, b.BindErr
	}
	return &token{l: b.Ledger, actor: actor}, nil
}

type listings struct {
	l     *Ledger
	actor string
}

func (f *listings) Hash() string { return ListingsHash }

func (f *listings) CarsLength(context.Context) (int, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if f.l.lengthErr != nil {
		return 0, f.l.lengthErr
	}
	return len(f.l.cars), nil
}

func (f *listings) ReadCar(_ context.Context, index int) (marketplace.CarRecord, error) {
	if err := f.l.read("readCars", index); err != nil {
		return marketplace.CarRecord{}, err
	}
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	rec := f.l.cars[index].CarRecord
	rec.Price = new(big.Int).Set(rec.Price)
	return rec, nil
}

func (f *listings) CarImage(_ context.Context, index int) (string, error) {
	if err := f.l.read("carImage", index); err != nil {
		return "", err
	}
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	return f.l.cars[index].Image, nil
}

func (f *listings) IsCarDeleted(_ context.Context, index int) (bool, error) {
	if err := f.l.read("isCarDeleted", index); err != nil {
		return false, err
	}
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	return f.l.cars[index].Deleted, nil
}

func (f *listings) UploadCar(_ context.Context, car marketplace.NewCar) (marketplace.PendingTx, error) {
	return f.l.submit("uploadCar", func() error {
		f.l.cars = append(f.l.cars, Car{
			CarRecord: marketplace.CarRecord{
				Owner:     f.actor,
				Name:      car.Name,
				Model:     car.Model,
				Color:     car.Color,
				Price:     new(big.Int).Set(car.Price),
				Available: car.Available,
			},
			Image: car.ImageURL,
		})
		return nil
	})
}

func (f *listings) BuyCar(_ context.Context, index int) (marketplace.PendingTx, error) {
	return f.l.submit("buyCar", func() error {
		if index < 0 || index >= len(f.l.cars) {
			return errors.New("no such car")
		}
		car := &f.l.cars[index]
		if car.Deleted || car.Available <= 0 {
			return errors.New("car not available")
		}
		allowance := f.l.allowances[f.actor]
		if allowance == nil || allowance.Cmp(car.Price) < 0 {
			return errors.New("insufficient allowance")
		}
		balance := f.l.balances[f.actor]
		if balance == nil || balance.Cmp(car.Price) < 0 {
			return errors.New("insufficient balance")
		}
		allowance.Sub(allowance, car.Price)
		balance.Sub(balance, car.Price)
		owner := f.l.balances[car.Owner]
		if owner == nil {
			owner = new(big.Int)
			f.l.balances[car.Owner] = owner
		}
		owner.Add(owner, car.Price)
		car.Available--
		car.Sold++
		return nil
	})
}

func (f *listings) DeleteCar(_ context.Context, index int) (marketplace.PendingTx, error) {
	return f.l.submit("deleteCar", func() error {
		if index < 0 || index >= len(f.l.cars) {
			return errors.New("no such car")
		}
		car := &f.l.cars[index]
		if car.Owner != f.actor {
			return errors.New("not the owner")
		}
		car.Deleted = true
		return nil
	})
}

type token struct {
	l     *Ledger
	actor string
}

func (f *token) Approve(_ context.Context, spender string, amount *big.Int) (marketplace.PendingTx, error) {
	return f.l.submit("approve", func() error {
		if spender != ListingsHash {
			return fmt.Errorf("unexpected spender %s", spender)
		}
		f.l.allowances[f.actor] = new(big.Int).Set(amount)
		return nil
	})
}

func (f *token) BalanceOf(_ context.Context, account string) (*big.Int, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if b := f.l.balances[account]; b != nil {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}
