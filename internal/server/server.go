// Package server exposes the market service over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/server/handler"
	"github.com/alanyoungcy/lmsrmarket/internal/server/middleware"
	"github.com/alanyoungcy/lmsrmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // empty disables authentication
	RateLimit       int    // requests per RateLimitWindow; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates the endpoint handlers.
type Handlers struct {
	Health    *handler.HealthHandler
	Markets   *handler.MarketHandler
	Trades    *handler.TradeHandler
	Positions *handler.PositionHandler
}

// Server is the market API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain.
// limiter and hub may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, h, hub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the routed, middleware-wrapped handler.
func Routes(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/markets", h.Markets.ListMarkets)
	mux.HandleFunc("POST /api/markets", h.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", h.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/resolve", h.Markets.Resolve)
	mux.HandleFunc("GET /api/markets/{id}/reconcile", h.Markets.Reconcile)

	mux.HandleFunc("GET /api/markets/{id}/quote", h.Trades.Quote)
	mux.HandleFunc("POST /api/markets/{id}/buy", h.Trades.Buy)
	mux.HandleFunc("POST /api/markets/{id}/sell", h.Trades.Sell)
	mux.HandleFunc("POST /api/markets/{id}/redeem", h.Trades.Redeem)

	mux.HandleFunc("GET /api/markets/{id}/positions/{user}", h.Positions.GetPosition)
	mux.HandleFunc("GET /api/markets/{id}/trades", h.Positions.ListTrades)
	mux.HandleFunc("GET /api/users/{user}/positions", h.Positions.ListUserPositions)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	var out http.Handler = mux
	out = middleware.Auth(cfg.APIKey, "/api/health")(out)
	out = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	out = middleware.Logging(logger)(out)
	return out
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
