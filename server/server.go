// Package server exposes the lending engine over HTTP. Handlers validate
// input, call exactly one core operation and translate its error into the
// JSON error shape; no business rules live here.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loanzzz/auth"
	"loanzzz/bridge"
	"loanzzz/native/loan"
	"loanzzz/native/oracle"
	"loanzzz/native/staking"
	"loanzzz/storage"
)

// maxBodyBytes bounds request bodies; every payload here is small JSON.
const maxBodyBytes = 1 << 20

// Server wires the HTTP surface over the core components.
type Server struct {
	store       *storage.Store
	engine      *loan.Engine
	oracle      *oracle.Oracle
	distributor *staking.Distributor
	bridge      *bridge.Bridge
	sessions    *auth.Manager
	ws          http.Handler
	depositXEC  string
	depositSol  string
	frontendURL string
	limiter     *clientLimiter
	log         *slog.Logger
	newID       func() string
}

// Config collects the server dependencies.
type Config struct {
	Store       *storage.Store
	Engine      *loan.Engine
	Oracle      *oracle.Oracle
	Distributor *staking.Distributor
	Bridge      *bridge.Bridge
	Sessions    *auth.Manager
	// WS is the websocket hub handler mounted at /ws.
	WS http.Handler
	// DepositXECAddress and DepositSolAddress are the escrow addresses
	// surfaced by GET /api/deposits/address/:user_id.
	DepositXECAddress string
	DepositSolAddress string
	FrontendURL       string
	// RatePerMinute throttles each client IP; zero disables throttling.
	RatePerMinute float64
	RateBurst     int
	Log           *slog.Logger
}

// New builds the server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.Oracle == nil {
		return nil, errors.New("server: store, engine and oracle are required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:       cfg.Store,
		engine:      cfg.Engine,
		oracle:      cfg.Oracle,
		distributor: cfg.Distributor,
		bridge:      cfg.Bridge,
		sessions:    cfg.Sessions,
		ws:          cfg.WS,
		depositXEC:  cfg.DepositXECAddress,
		depositSol:  cfg.DepositSolAddress,
		frontendURL: cfg.FrontendURL,
		log:         log.With("component", "server"),
		newID:       uuid.NewString,
	}
	if cfg.RatePerMinute > 0 {
		s.limiter = newClientLimiter(cfg.RatePerMinute, cfg.RateBurst)
	}
	return s, nil
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware(s.frontendURL))
	r.Use(bodyLimit(maxBodyBytes))
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Route("/api", func(api chi.Router) {
		api.Route("/auth", func(ar chi.Router) {
			ar.Post("/ecash", s.handleAuthECash)
			ar.Post("/solana", s.handleAuthSolana)
			ar.Post("/link", s.handleAuthLink)
			ar.Get("/user/{id}", s.handleGetUser)
		})
		api.Route("/deposits", func(dr chi.Router) {
			dr.Post("/xec", s.handleDepositXEC)
			dr.Post("/usdt-solana", s.handleDepositUSDTSolana)
			dr.Post("/firma", s.handleDepositFIRMA)
			dr.Get("/address/{userID}", s.handleDepositAddress)
			dr.Get("/{userID}", s.handleListDeposits)
		})
		api.Route("/loans", func(lr chi.Router) {
			lr.Get("/config", s.handleLoanConfig)
			lr.Post("/calculate", s.handleLoanCalculate)
			lr.Post("/", s.handleCreateLoan)
			lr.Post("/{id}/repay", s.handleRepay)
			lr.Post("/{id}/add-collateral", s.handleAddCollateral)
			lr.Get("/user/{userID}", s.handleLoansByUser)
			lr.Get("/{id}", s.handleGetLoan)
		})
		api.Get("/prices", s.handlePrices)
		api.Get("/stats", s.handleStats)
		api.Route("/escrow", func(er chi.Router) {
			er.Get("/summary", s.handleEscrowSummary)
			er.Get("/wallets", s.handleEscrowWallets)
			er.Get("/transactions", s.handleEscrowTransactions)
			er.Get("/liquidations", s.handleEscrowLiquidations)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, loan.ErrValidation),
		errors.Is(err, bridge.ErrValidation),
		errors.Is(err, auth.ErrInvalidAddress),
		errors.Is(err, loan.ErrInsufficientBalance),
		errors.Is(err, loan.ErrLTVExceeded),
		errors.Is(err, loan.ErrLoanClosed):
		status = http.StatusBadRequest
	case errors.Is(err, loan.ErrNotFound),
		errors.Is(err, bridge.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, loan.ErrUnauthorized),
		errors.Is(err, auth.ErrSignatureMismatch):
		status = http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidSession):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
		s.respond(w, status, map[string]string{"error": "internal error"})
		return
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}

// decode parses a JSON body into dst.
func decode(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body", loan.ErrValidation)
	}
	return nil
}

// withRetry reruns fn once when the ledger reports a commit conflict.
func withRetry(fn func() error) error {
	err := fn()
	if errors.Is(err, storage.ErrConflict) {
		err = fn()
	}
	return err
}
