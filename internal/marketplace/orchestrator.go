package marketplace

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/carmarket/internal/logging"
	"github.com/R3E-Network/carmarket/internal/metrics"
)

// Orchestrator sequences create, purchase and retire operations. At most one
// operation of each kind runs at a time; a second one fails with
// ErrOperationInFlight instead of queueing.
type Orchestrator struct {
	cc  *ClientContext
	log *logging.Logger

	mu        sync.Mutex
	statuses  map[Action]*Status
	observers []Observer
}

// NewOrchestrator creates an orchestrator over cc.
func NewOrchestrator(cc *ClientContext, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.NewDefault("carmarket")
	}
	statuses := make(map[Action]*Status, len(Actions))
	for _, a := range Actions {
		statuses[a] = &Status{Action: a, State: StateIdle, LastOutcome: StateIdle}
	}
	return &Orchestrator{cc: cc, log: log, statuses: statuses}
}

// Context returns the client context the orchestrator acts on.
func (o *Orchestrator) Context() *ClientContext {
	return o.cc
}

// Subscribe registers an observer for state transitions.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Status returns the status of an action kind.
func (o *Orchestrator) Status(a Action) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.statuses[a]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Refresh re-reads every listing from the ledger.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	return o.cc.Listings.FetchAll(ctx)
}

// CreateListing validates the input, submits uploadCar and refreshes once the
// transaction is confirmed. Nothing is inserted locally ahead of the ledger.
func (o *Orchestrator) CreateListing(ctx context.Context, in ListingInput) (*Receipt, error) {
	r, err := o.begin(ctx, ActionCreate)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{OperationID: r.id, Action: ActionCreate, Index: -1}

	car, err := o.validateInput(in)
	if err != nil {
		return nil, r.finish(ctx, err)
	}
	listings, err := o.cc.Session.Listings()
	if err != nil {
		return nil, r.finish(ctx, err)
	}

	r.to(StateSubmitting, "")
	tx, err := listings.UploadCar(ctx, car)
	if err != nil {
		return nil, r.finish(ctx, wrap(ErrTransactionRejected, err))
	}
	receipt.TxHash = tx.Hash()

	r.to(StateAwaitingConfirmation, tx.Hash())
	if err := tx.Wait(ctx); err != nil {
		return nil, r.finish(ctx, wrap(ErrTransactionRejected, err))
	}
	r.finish(ctx, nil)

	return receipt, o.refreshAfter(ctx, r)
}

// PurchaseListing buys one unit of the listing at index. The spending
// approval must be confirmed before the purchase is submitted; if it fails,
// no purchase is attempted. Each phase passes through Submitting and
// AwaitingConfirmation, the first carrying the approval hash.
func (o *Orchestrator) PurchaseListing(ctx context.Context, index int) (*Receipt, error) {
	r, err := o.begin(ctx, ActionPurchase)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{OperationID: r.id, Action: ActionPurchase, Index: index}

	listing, ok := o.cc.Listings.Listing(index)
	if !ok {
		return nil, r.finish(ctx, wrapf(ErrInvalidListing, "no listing at index %d", index))
	}
	if listing.IsDeleted {
		return nil, r.finish(ctx, wrapf(ErrInvalidListing, "listing %d has been retired", index))
	}
	if listing.Available <= 0 {
		return nil, r.finish(ctx, wrapf(ErrInvalidListing, "listing %d is sold out", index))
	}
	listings, err := o.cc.Session.Listings()
	if err != nil {
		return nil, r.finish(ctx, err)
	}

	r.to(StateSubmitting, "")
	approval, err := o.cc.Approvals.Submit(ctx, listing.Price)
	if err != nil {
		return nil, r.finish(ctx, err)
	}
	receipt.ApprovalTxHash = approval.Hash()
	r.to(StateAwaitingConfirmation, approval.Hash())
	if err := o.cc.Approvals.Confirm(ctx, approval); err != nil {
		return nil, r.finish(ctx, err)
	}

	r.to(StateSubmitting, "")
	tx, err := listings.BuyCar(ctx, index)
	if err != nil {
		return nil, r.finish(ctx, wrap(ErrTransactionRejected, err))
	}
	receipt.TxHash = tx.Hash()

	r.to(StateAwaitingConfirmation, tx.Hash())
	if err := tx.Wait(ctx); err != nil {
		return nil, r.finish(ctx, wrap(ErrTransactionRejected, err))
	}
	r.finish(ctx, nil)

	return receipt, o.refreshAfter(ctx, r)
}

// RetireListing retires the listing at index. Only its owner may do so; the
// local check is advisory and the contract enforces it as well.
func (o *Orchestrator) RetireListing(ctx context.Context, index int) (*Receipt, error) {
	r, err := o.begin(ctx, ActionRetire)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{OperationID: r.id, Action: ActionRetire, Index: index}

	listing, ok := o.cc.Listings.Listing(index)
	if !ok {
		return nil, r.finish(ctx, wrapf(ErrInvalidListing, "no listing at index %d", index))
	}
	if listing.IsDeleted {
		return nil, r.finish(ctx, wrapf(ErrInvalidListing, "listing %d has already been retired", index))
	}
	actor, err := o.cc.Session.CurrentActor()
	if err != nil {
		return nil, r.finish(ctx, err)
	}
	if !listing.OwnedBy(actor) {
		return nil, r.finish(ctx, wrapf(ErrUnauthorized, "only the owner may retire listing %d", index))
	}
	listings, err := o.cc.Session.Listings()
	if err != nil {
		return nil, r.finish(ctx, err)
	}

	r.to(StateSubmitting, "")
	tx, err := listings.DeleteCar(ctx, index)
	if err != nil {
		return nil, r.finish(ctx, wrap(ErrTransactionRejected, err))
	}
	receipt.TxHash = tx.Hash()

	r.to(StateAwaitingConfirmation, tx.Hash())
	if err := tx.Wait(ctx); err != nil {
		return nil, r.finish(ctx, wrap(ErrTransactionRejected, err))
	}
	r.finish(ctx, nil)

	return receipt, o.refreshAfter(ctx, r)
}

func (o *Orchestrator) validateInput(in ListingInput) (NewCar, error) {
	car := NewCar{
		Name:      strings.TrimSpace(in.Name),
		Model:     strings.TrimSpace(in.Model),
		Color:     strings.TrimSpace(in.Color),
		ImageURL:  strings.TrimSpace(in.ImageURL),
		Available: in.Available,
	}
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"name", car.Name},
		{"model", car.Model},
		{"color", car.Color},
		{"imageUrl", car.ImageURL},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return NewCar{}, wrapf(ErrInvalidInput, "missing %s", strings.Join(missing, ", "))
	}

	price, err := ToBaseUnits(in.Price, o.cc.Decimals)
	if err != nil {
		return NewCar{}, wrap(ErrInvalidInput, err)
	}
	if price.Sign() <= 0 {
		return NewCar{}, wrapf(ErrInvalidInput, "price must be positive")
	}
	if in.Available <= 0 {
		return NewCar{}, wrapf(ErrInvalidInput, "available must be positive")
	}
	car.Price = price
	return car, nil
}

// refreshAfter pulls the ledger state a confirmed transaction produced. The
// transaction stands even if the refresh fails.
func (o *Orchestrator) refreshAfter(ctx context.Context, r *run) error {
	if err := o.cc.Listings.FetchAll(ctx); err != nil {
		return fmt.Errorf("%s confirmed but refresh failed: %w", r.action, err)
	}
	return nil
}

// =============================================================================
// Run bookkeeping
// =============================================================================

type run struct {
	o       *Orchestrator
	id      string
	action  Action
	started time.Time
	txHash  string
}

func (o *Orchestrator) begin(ctx context.Context, a Action) (*run, error) {
	o.mu.Lock()
	st, ok := o.statuses[a]
	if !ok {
		o.mu.Unlock()
		return nil, wrapf(ErrInvalidInput, "unknown action %q", a)
	}
	if st.State != StateIdle {
		o.mu.Unlock()
		return nil, wrapf(ErrOperationInFlight, "%s operation %s is %s", a, st.OperationID, st.State)
	}
	r := &run{o: o, id: uuid.New().String(), action: a, started: time.Now()}
	st.OperationID = r.id
	t := o.apply(r, st, StateValidating, nil)
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()

	o.log.WithContext(ctx).WithFields(map[string]interface{}{
		"operation_id": r.id,
		"action":       a,
	}).Debug("operation started")
	o.notify(observers, t)
	return r, nil
}

func (r *run) to(s State, txHash string) {
	if txHash != "" {
		r.txHash = txHash
	}
	r.o.transition(r, s, nil)
}

// finish records the outcome, returns the action to Idle and hands err back.
func (r *run) finish(ctx context.Context, err error) error {
	outcome := StateSucceeded
	if err != nil {
		outcome = StateFailed
	}
	r.o.transition(r, outcome, err)

	entry := r.o.log.WithContext(ctx).WithFields(map[string]interface{}{
		"operation_id": r.id,
		"action":       r.action,
		"tx_hash":      r.txHash,
		"duration_ms":  time.Since(r.started).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("operation failed")
	} else {
		entry.Info("operation succeeded")
	}
	metrics.RecordOperation(string(r.action), outcome.String(), time.Since(r.started))

	r.o.transition(r, StateIdle, nil)
	return err
}

func (o *Orchestrator) transition(r *run, to State, err error) {
	o.mu.Lock()
	t := o.apply(r, o.statuses[r.action], to, err)
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()

	o.notify(observers, t)
}

// apply moves st to the given state. The caller holds o.mu.
func (o *Orchestrator) apply(r *run, st *Status, to State, err error) Transition {
	from := st.State
	st.State = to
	st.UpdatedAt = time.Now()
	switch to {
	case StateSucceeded, StateFailed:
		st.LastOutcome = to
		st.LastError = ""
		if err != nil {
			st.LastError = err.Error()
		}
	case StateIdle:
		st.OperationID = ""
	}
	return Transition{
		OperationID: r.id,
		Action:      r.action,
		From:        from,
		To:          to,
		TxHash:      r.txHash,
		Err:         err,
		At:          st.UpdatedAt,
	}
}

// notify calls each observer in turn. A panicking observer is logged and
// skipped so the run still reaches Idle.
func (o *Orchestrator) notify(observers []Observer, t Transition) {
	for _, obs := range observers {
		o.call(obs, t)
	}
}

func (o *Orchestrator) call(obs Observer, t Transition) {
	defer func() {
		if p := recover(); p != nil {
			o.log.WithFields(map[string]interface{}{
				"operation_id": t.OperationID,
				"action":       t.Action,
				"to":           t.To,
				"panic":        fmt.Sprint(p),
			}).Error("operation observer panicked")
		}
	}()
	obs(t)
}
