// Package httpapi exposes the marketplace over HTTP: listing views for a
// front end and the create, purchase and retire operations.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/carmarket/internal/chain"
	"github.com/R3E-Network/carmarket/internal/httputil"
	"github.com/R3E-Network/carmarket/internal/logging"
	"github.com/R3E-Network/carmarket/internal/marketplace"
	"github.com/R3E-Network/carmarket/internal/metrics"
	"github.com/R3E-Network/carmarket/internal/middleware"
)

// Config configures the API handlers.
type Config struct {
	// ExplorerURL is prefixed to an owner's address to link its explorer page.
	ExplorerURL string
	CORSOrigins []string
	// WriteRate and WriteBurst limit mutating requests per client. Zero
	// disables the limit.
	WriteRate  float64
	WriteBurst int
}

// Server serves the marketplace API.
type Server struct {
	orch    *marketplace.Orchestrator
	cfg     Config
	log     *logging.Logger
	limiter *middleware.RateLimiter
	cors    *middleware.CORSMiddleware
	hub     *Hub
}

// New creates an API server over orch.
func New(orch *marketplace.Orchestrator, cfg Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewDefault("carmarket")
	}
	s := &Server{
		orch: orch,
		cfg:  cfg,
		log:  log,
		cors: middleware.NewCORSMiddleware(cfg.CORSOrigins),
		hub:  NewHub(log),
	}
	orch.Subscribe(s.hub.Observe)
	if cfg.WriteRate > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.WriteRate, cfg.WriteBurst, log)
	}
	return s
}

// Hub returns the event hub fed by the orchestrator.
func (s *Server) Hub() *Hub {
	return s.hub
}

// RateLimiter returns the write limiter, or nil when writes are unlimited.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.limiter
}

// Router builds the route table with logging, metrics and CORS applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(s.log))
	r.Use(middleware.MetricsMiddleware())

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/listings", s.handleActiveListings).Methods(http.MethodGet)
	api.HandleFunc("/listings/all", s.handleAllListings).Methods(http.MethodGet)
	api.HandleFunc("/listings/{index:[0-9]+}", s.handleListing).Methods(http.MethodGet)
	api.HandleFunc("/operations/{action}", s.handleOperation).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	write := api.NewRoute().Subrouter()
	if s.limiter != nil {
		write.Use(s.limiter.Handler)
	}
	write.HandleFunc("/listings", s.handleCreate).Methods(http.MethodPost)
	write.HandleFunc("/listings/{index:[0-9]+}/purchase", s.handlePurchase).Methods(http.MethodPost)
	write.HandleFunc("/listings/{index:[0-9]+}/retire", s.handleRetire).Methods(http.MethodPost)
	write.HandleFunc("/listings/{index:[0-9]+}", s.handleRetire).Methods(http.MethodDelete)
	write.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	return s.cors.Handler(r)
}

// =============================================================================
// Views
// =============================================================================

type sessionView struct {
	Actor          string `json:"actor"`
	Address        string `json:"address"`
	Balance        string `json:"balance"`
	DisplayBalance string `json:"displayBalance"`
	ExplorerURL    string `json:"explorerUrl,omitempty"`
}

type listingView struct {
	Index        int                    `json:"index"`
	Owner        string                 `json:"owner"`
	OwnerAddress string                 `json:"ownerAddress,omitempty"`
	OwnerURL     string                 `json:"ownerUrl,omitempty"`
	Name         string                 `json:"name"`
	Model        string                 `json:"model"`
	Color        string                 `json:"color"`
	ImageURL     string                 `json:"imageUrl"`
	Price        string                 `json:"price"`
	DisplayPrice string                 `json:"displayPrice"`
	Sold         int64                  `json:"sold"`
	Available    int64                  `json:"available"`
	IsDeleted    bool                   `json:"isDeleted"`
	Action       marketplace.ViewAction `json:"action,omitempty"`
}

type listingsView struct {
	Listings  []listingView `json:"listings"`
	FetchedAt time.Time     `json:"fetchedAt"`
}

type operationView struct {
	Receipt *marketplace.Receipt `json:"receipt"`
}

func (s *Server) explorerLink(address string) string {
	if s.cfg.ExplorerURL == "" || address == "" {
		return ""
	}
	return s.cfg.ExplorerURL + address
}

func (s *Server) viewOf(l marketplace.Listing, actor string) listingView {
	v := listingView{
		Index:     l.Index,
		Owner:     l.Owner,
		Name:      l.Name,
		Model:     l.Model,
		Color:     l.Color,
		ImageURL:  l.ImageURL,
		Sold:      l.Sold,
		Available: l.Available,
		IsDeleted: l.IsDeleted,
		Action:    l.ActionFor(actor),
	}
	if l.Price != nil {
		v.Price = l.Price.String()
		v.DisplayPrice = marketplace.FormatAmount(l.Price, s.orch.Context().Decimals)
	}
	if addr, err := chain.AddressFromScriptHash(l.Owner); err == nil {
		v.OwnerAddress = addr
		v.OwnerURL = s.explorerLink(addr)
	}
	return v
}

func (s *Server) listings(active bool) listingsView {
	cc := s.orch.Context()
	actor, _ := cc.Session.CurrentActor()

	var src []marketplace.Listing
	if active {
		src = cc.Listings.Active()
	} else {
		src = cc.Listings.Snapshot()
	}
	out := listingsView{Listings: make([]listingView, 0, len(src)), FetchedAt: cc.Listings.FetchedAt()}
	for _, l := range src {
		out.Listings = append(out.Listings, s.viewOf(l, actor))
	}
	return out
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, err := s.orch.Context().Session.CurrentActor()
	httputil.WriteSuccess(w, map[string]interface{}{
		"connected": err == nil,
		"listings":  s.orch.Context().Listings.Len(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	cc := s.orch.Context()
	actor, err := cc.Session.CurrentActor()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := cc.Approvals.Balance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := sessionView{
		Actor:          actor,
		Balance:        balance.String(),
		DisplayBalance: marketplace.FormatAmount(balance, cc.Decimals),
	}
	if addr, err := chain.AddressFromScriptHash(actor); err == nil {
		view.Address = addr
		view.ExplorerURL = s.explorerLink(addr)
	}
	httputil.WriteSuccess(w, view)
}

func (s *Server) handleActiveListings(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.listings(true))
}

func (s *Server) handleAllListings(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.listings(false))
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	index, ok := s.indexParam(w, r)
	if !ok {
		return
	}
	cc := s.orch.Context()
	l, found := cc.Listings.Listing(index)
	if !found {
		httputil.WriteError(w, http.StatusNotFound, "listing not found")
		return
	}
	actor, _ := cc.Session.CurrentActor()
	httputil.WriteSuccess(w, s.viewOf(l, actor))
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	action := marketplace.Action(strings.ToLower(mux.Vars(r)["action"]))
	st, ok := s.orch.Status(action)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown action")
		return
	}
	httputil.WriteSuccess(w, st)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in marketplace.ListingInput
	if err := httputil.ReadJSON(r, &in); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.orch.CreateListing(operationContext(r), in)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	index, ok := s.indexParam(w, r)
	if !ok {
		return
	}
	receipt, err := s.orch.PurchaseListing(operationContext(r), index)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	index, ok := s.indexParam(w, r)
	if !ok {
		return
	}
	receipt, err := s.orch.RetireListing(operationContext(r), index)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Refresh(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, s.listings(true))
}

// operationContext detaches a mutating operation from the client connection:
// a broadcast transaction cannot be withdrawn, so its confirmation is awaited
// even if the caller goes away.
func operationContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || index < 0 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid listing index")
		return 0, false
	}
	return index, true
}

func (s *Server) writeReceipt(w http.ResponseWriter, r *http.Request, receipt *marketplace.Receipt, err error) {
	if receipt == nil {
		s.writeError(w, r, err)
		return
	}
	resp := httputil.APIResponse{Success: true, Data: operationView{Receipt: receipt}}
	if err != nil {
		// Confirmed on the ledger; only the follow-up refresh failed.
		resp.Warning = err.Error()
		resp.Kind = kindName(err)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithContext(r.Context()).WithError(err).Warn("request failed")
	}
	httputil.WriteJSON(w, status, httputil.APIResponse{
		Success: false,
		Error:   err.Error(),
		Kind:    kindName(err),
	})
}

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, marketplace.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, marketplace.ErrUnauthorized),
		errors.Is(err, marketplace.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, marketplace.ErrInvalidListing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, marketplace.ErrOperationInFlight):
		return http.StatusConflict
	case errors.Is(err, marketplace.ErrNotConnected),
		errors.Is(err, marketplace.ErrAgentUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, marketplace.ErrLedgerReadFailure),
		errors.Is(err, marketplace.ErrApprovalFailed),
		errors.Is(err, marketplace.ErrTransactionRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var kindNames = map[error]string{
	marketplace.ErrAgentUnavailable:    "agent_unavailable",
	marketplace.ErrAuthorizationDenied: "authorization_denied",
	marketplace.ErrNotConnected:        "not_connected",
	marketplace.ErrLedgerReadFailure:   "ledger_read_failure",
	marketplace.ErrApprovalFailed:      "approval_failed",
	marketplace.ErrTransactionRejected: "transaction_rejected",
	marketplace.ErrInvalidListing:      "invalid_listing",
	marketplace.ErrUnauthorized:        "unauthorized",
	marketplace.ErrInvalidInput:        "invalid_input",
	marketplace.ErrOperationInFlight:   "operation_in_flight",
}

func kindName(err error) string {
	return kindNames[marketplace.Kind(err)]
}
