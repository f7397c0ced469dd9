package marketplace

import (
	"context"
	"sync"

	"github.com/R3E-Network/carmarket/internal/logging"
)

// Session holds the authorized actor and the contract handles bound to it.
// One Session exists per process; Connect is called once at startup.
type Session struct {
	agent  Agent
	binder Binder
	log    *logging.Logger

	mu       sync.RWMutex
	actor    string
	listings ListingsContract
	token    TokenContract
}

// NewSession creates an unconnected session. agent may be nil when no
// signing agent is present; Connect then reports ErrAgentUnavailable.
func NewSession(agent Agent, binder Binder, log *logging.Logger) *Session {
	if log == nil {
		log = logging.NewDefault("carmarket")
	}
	return &Session{agent: agent, binder: binder, log: log}
}

// Connect asks the agent for access, adopts its first account as the actor and
// binds the contract handles. Calling it on a connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	if s.agent == nil {
		return ErrAgentUnavailable
	}

	s.mu.RLock()
	connected := s.actor != ""
	s.mu.RUnlock()
	if connected {
		return nil
	}

	if err := s.agent.Enable(ctx); err != nil {
		return wrap(ErrAuthorizationDenied, err)
	}
	accounts, err := s.agent.Accounts(ctx)
	if err != nil {
		return wrap(ErrAuthorizationDenied, err)
	}
	if len(accounts) == 0 || accounts[0] == "" {
		return wrapf(ErrAuthorizationDenied, "agent granted no accounts")
	}
	actor := accounts[0]

	if s.binder == nil {
		return wrapf(ErrAgentUnavailable, "no ledger client configured")
	}
	listings, err := s.binder.BindListings(ctx, actor)
	if err != nil {
		return wrap(ErrAuthorizationDenied, err)
	}
	token, err := s.binder.BindToken(ctx, actor)
	if err != nil {
		return wrap(ErrAuthorizationDenied, err)
	}

	s.mu.Lock()
	s.actor = actor
	s.listings = listings
	s.token = token
	s.mu.Unlock()

	s.log.WithContext(ctx).WithField("actor", actor).Info("session connected")
	return nil
}

// CurrentActor returns the authorized identity.
func (s *Session) CurrentActor() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actor == "" {
		return "", ErrNotConnected
	}
	return s.actor, nil
}

// Listings returns the bound listings contract.
func (s *Session) Listings() (ListingsContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listings == nil {
		return nil, ErrNotConnected
	}
	return s.listings, nil
}

// Token returns the bound token contract.
func (s *Session) Token() (TokenContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil, ErrNotConnected
	}
	return s.token, nil
}
