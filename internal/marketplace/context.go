package marketplace

import "github.com/R3E-Network/carmarket/internal/logging"

// ClientContext owns the per-process state: the session, the listing snapshot
// and the approval gateway.
type ClientContext struct {
	Session   *Session
	Listings  *Repository
	Approvals *ApprovalGateway
	Decimals  int32
}

// Options configures NewClientContext.
type Options struct {
	// FetchConcurrency bounds concurrent reads during a refresh.
	FetchConcurrency int
	// Decimals is the token decimal shift; zero means DefaultDecimals.
	Decimals int32
	Logger   *logging.Logger
}

// NewClientContext wires a session, repository and approval gateway.
func NewClientContext(agent Agent, binder Binder, opts Options) *ClientContext {
	log := opts.Logger
	if log == nil {
		log = logging.NewDefault("carmarket")
	}
	decimals := opts.Decimals
	if decimals == 0 {
		decimals = DefaultDecimals
	}
	session := NewSession(agent, binder, log)
	return &ClientContext{
		Session:   session,
		Listings:  NewRepository(session, opts.FetchConcurrency, log),
		Approvals: NewApprovalGateway(session, log),
		Decimals:  decimals,
	}
}
