// Package server exposes the vault engine over an authenticated JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tokenvault/observability"
	"tokenvault/services/vaultd/storage"
	"tokenvault/vault"
)

type contextKey string

const callerKey contextKey = "vaultd.caller"

// Config captures the dependencies required to construct the server.
type Config struct {
	ListenAddress string
	Engine        *vault.Engine
	Store         *storage.Store
	Logger        *slog.Logger
	Tokens        map[string]vault.Address
	Admins        map[vault.Address]bool
}

// Server hosts the HTTP API in front of one vault engine.
type Server struct {
	listen  string
	engine  *vault.Engine
	store   *storage.Store
	logger  *slog.Logger
	tokens  map[string]vault.Address
	admins  map[vault.Address]bool
	metrics *observability.VaultMetrics

	router http.Handler
}

// New constructs the configured server and wires the engine's authorizer.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Store == nil {
		return nil, errors.New("server: engine and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		listen:  cfg.ListenAddress,
		engine:  cfg.Engine,
		store:   cfg.Store,
		logger:  logger,
		tokens:  cfg.Tokens,
		admins:  cfg.Admins,
		metrics: observability.Metrics(),
	}
	srv.engine.SetAuthorizer(staticAuthorizer{admins: cfg.Admins})
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Post("/pools", s.handleRegisterPool)
		api.Post("/pools/{id}/tokens", s.handleRegisterTokens)
		api.Get("/pools/{id}/tokens", s.handlePoolTokens)
		api.Get("/pools/{id}/tokens/{token}", s.handlePoolTokenInfo)
		api.Post("/pools/{id}/fund", s.handleFundPool)

		api.Post("/swap", s.handleSwap)
		api.Post("/batch-swap", s.handleBatchSwap)
		api.Post("/flash-loan", s.handleFlashLoan)

		api.Post("/internal/deposit", s.handleDepositInternal)
		api.Post("/internal/withdraw", s.handleWithdrawInternal)
		api.Post("/internal/transfer", s.handleTransferInternal)
		api.Get("/internal/{owner}/{token}", s.handleInternalBalance)

		api.Post("/managed", s.handleUpdateManaged)

		api.Get("/fees", s.handleCollectedFees)
		api.Post("/fees/withdraw", s.handleWithdrawFees)

		api.Post("/external/credit", s.handleCreditExternal)
		api.Get("/external/{owner}/{token}", s.handleExternalBalance)
	})

	return otelhttp.NewHandler(r, "vaultd")
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the bearer token to a caller address. Requests
// without a recognised token are rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, ok := s.tokens[strings.TrimSpace(header[len(prefix):])]
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "unrecognised bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

func callerFrom(r *http.Request) (vault.Address, bool) {
	caller, ok := r.Context().Value(callerKey).(vault.Address)
	return caller, ok
}

// observe runs an engine operation under the metrics registry.
func (s *Server) observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveOperation(operation, outcome, time.Since(start))
	return err
}

// checkpoint persists the engine snapshot after a successful mutation.
func (s *Server) checkpoint(r *http.Request) {
	if err := s.engine.Persist(s.store); err != nil {
		s.logger.Error("persist snapshot", "error", err, "path", r.URL.Path)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError translates the engine's error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vault.ErrInvalidArgument),
		errors.Is(err, vault.ErrTokensNotSorted),
		errors.Is(err, vault.ErrSpecializationMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, vault.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, vault.ErrUnregisteredPoolOrToken):
		status = http.StatusNotFound
	case errors.Is(err, vault.ErrTokenAlreadyRegistered),
		errors.Is(err, vault.ErrReentrantCall):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrSwapLimitExceeded),
		errors.Is(err, vault.ErrDeadlineExpired),
		errors.Is(err, vault.ErrInsufficientBalance),
		errors.Is(err, vault.ErrInsufficientInternalBalance),
		errors.Is(err, vault.ErrFlashLoanNotRepaid),
		errors.Is(err, vault.ErrPricerRejected),
		errors.Is(err, vault.ErrArithmeticOverflow),
		errors.Is(err, vault.ErrTransferFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	}
	s.writeError(w, status, err.Error())
}

// staticAuthorizer restricts the engine's administrative operations to the
// configured admin set; everything else is open to any authenticated caller.
type staticAuthorizer struct {
	admins map[vault.Address]bool
}

func (a staticAuthorizer) Allow(caller vault.Address, operation string) bool {
	switch operation {
	case vault.OpRegisterPool, vault.OpRegisterTokens, vault.OpUpdateManaged, vault.OpWithdrawFees:
		return a.admins[caller]
	default:
		return true
	}
}
