// Package server exposes the vault and arbitrage ledger over HTTP and
// websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/server/handler"
	"github.com/alanyoungcy/vaultd/internal/server/middleware"
	"github.com/alanyoungcy/vaultd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AuthMaxSkew bounds the age of a signed request timestamp.
	AuthMaxSkew time.Duration
	// RateLimit requests per RateWindow per client IP; zero disables.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health *handler.HealthHandler
	Vaults *handler.VaultHandler
	Arb    *handler.ArbHandler
	Prices *handler.PriceHandler
	Events *handler.EventHandler
	// Audit is optional; the route exists only with a persistent audit log.
	Audit *handler.AuditHandler
}

// Server is the HTTP and websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route. Mutating routes sit behind signature
// authentication. limiter and replay may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, replay domain.ReplayGuard, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	signed := middleware.SignatureAuth(cfg.AuthMaxSkew, replay, time.Now)
	auth := func(fn http.HandlerFunc) http.Handler { return signed(fn) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.Handle("POST /api/vaults", auth(h.Vaults.Create))
	mux.HandleFunc("GET /api/vaults/{id}", h.Vaults.Get)
	mux.HandleFunc("GET /api/vaults/{id}/strategy", h.Vaults.Strategy)
	mux.HandleFunc("GET /api/vaults/{id}/rebalance", h.Vaults.Rebalanceable)
	mux.HandleFunc("GET /api/vaults/{id}/preview", h.Vaults.Preview)
	mux.HandleFunc("GET /api/vaults/{id}/positions/{user}", h.Vaults.Position)
	mux.Handle("POST /api/vaults/{id}/deposit", auth(h.Vaults.Deposit))
	mux.Handle("POST /api/vaults/{id}/withdraw", auth(h.Vaults.Withdraw))
	mux.Handle("POST /api/vaults/{id}/harvest", auth(h.Vaults.Harvest))
	mux.Handle("POST /api/vaults/{id}/rebalance", auth(h.Vaults.Rebalance))
	mux.Handle("POST /api/vaults/{id}/pause", auth(h.Vaults.Pause))
	mux.Handle("POST /api/vaults/{id}/unpause", auth(h.Vaults.Unpause))
	mux.Handle("PUT /api/vaults/{id}/params", auth(h.Vaults.UpdateParams))
	mux.HandleFunc("GET /api/registry", h.Vaults.Registry)

	mux.Handle("POST /api/arb/positions", auth(h.Arb.Open))
	mux.Handle("POST /api/arb/positions/{index}/close", auth(h.Arb.Close))
	mux.Handle("POST /api/arb/opportunities", auth(h.Arb.RecordOpportunity))
	mux.HandleFunc("GET /api/arb/users/{user}", h.Arb.User)
	mux.HandleFunc("GET /api/arb/registry", h.Arb.Registry)

	mux.Handle("POST /api/prices/{asset}", auth(h.Prices.Set))
	mux.HandleFunc("GET /api/prices/{asset}", h.Prices.Get)

	mux.HandleFunc("GET /api/events", h.Events.List)
	if h.Audit != nil {
		mux.HandleFunc("GET /api/audit", h.Audit.List)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var root http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		root = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(root)
	}
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
