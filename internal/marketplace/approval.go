package marketplace

import (
	"context"
	"math/big"

	"github.com/R3E-Network/carmarket/internal/logging"
)

// ApprovalGateway grants the listings contract the right to draw tokens from
// the actor's balance. It keeps no local state.
type ApprovalGateway struct {
	session *Session
	log     *logging.Logger
}

// NewApprovalGateway creates a gateway acting for the session's actor.
func NewApprovalGateway(session *Session, log *logging.Logger) *ApprovalGateway {
	if log == nil {
		log = logging.NewDefault("carmarket")
	}
	return &ApprovalGateway{session: session, log: log}
}

// Approve authorizes the listings contract to draw up to amount and blocks
// until the ledger confirms it. Every failure is reported as ErrApprovalFailed.
// It returns the approval transaction hash.
func (g *ApprovalGateway) Approve(ctx context.Context, amount *big.Int) (string, error) {
	tx, err := g.Submit(ctx, amount)
	if err != nil {
		return "", err
	}
	return tx.Hash(), g.Confirm(ctx, tx)
}

// Submit broadcasts the approval without waiting for it.
func (g *ApprovalGateway) Submit(ctx context.Context, amount *big.Int) (PendingTx, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, wrapf(ErrApprovalFailed, "amount must be positive")
	}
	listings, err := g.session.Listings()
	if err != nil {
		return nil, wrap(ErrApprovalFailed, err)
	}
	token, err := g.session.Token()
	if err != nil {
		return nil, wrap(ErrApprovalFailed, err)
	}

	tx, err := token.Approve(ctx, listings.Hash(), amount)
	if err != nil {
		return nil, wrap(ErrApprovalFailed, err)
	}
	g.log.WithContext(ctx).WithFields(map[string]interface{}{
		"tx_hash": tx.Hash(),
		"spender": listings.Hash(),
		"amount":  amount.String(),
	}).Debug("approval submitted")
	return tx, nil
}

// Confirm waits for an approval returned by Submit.
func (g *ApprovalGateway) Confirm(ctx context.Context, tx PendingTx) error {
	entry := g.log.WithContext(ctx).WithField("tx_hash", tx.Hash())
	if err := tx.Wait(ctx); err != nil {
		entry.WithError(err).Warn("approval not confirmed")
		return wrap(ErrApprovalFailed, err)
	}
	entry.Info("approval confirmed")
	return nil
}

// Balance returns the actor's token balance in base units.
func (g *ApprovalGateway) Balance(ctx context.Context) (*big.Int, error) {
	actor, err := g.session.CurrentActor()
	if err != nil {
		return nil, err
	}
	token, err := g.session.Token()
	if err != nil {
		return nil, err
	}
	balance, err := token.BalanceOf(ctx, actor)
	if err != nil {
		return nil, wrap(ErrLedgerReadFailure, err)
	}
	return balance, nil
}
