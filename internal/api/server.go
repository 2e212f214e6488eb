// Package api exposes the execution engine over a thin JSON HTTP boundary.
//
// Authentication is out of scope: callers are expected to sit behind an
// identity-aware proxy that injects the verified tenant principal via the
// X-Tenant-ID header.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mosaic0/mosaic/internal/archetype"
	"github.com/mosaic0/mosaic/internal/engine"
	"github.com/mosaic0/mosaic/internal/tenant"
)

// Engine is the slice of the execution engine the API serves. Defined here,
// by the consumer, so handlers can be tested against a stub.
type Engine interface {
	Query(ctx context.Context, req engine.QueryRequest) (*engine.QueryResult, error)
	StartTrial(ctx context.Context, p engine.StartTrialParams) (*engine.TrialProvision, error)
	SuspendInstance(ctx context.Context, id uuid.UUID) error
	ResumeInstance(ctx context.Context, id uuid.UUID) error
	DeleteInstance(ctx context.Context, id uuid.UUID) error
	Instances(ctx context.Context, tenantID uuid.UUID) ([]*tenant.Instance, error)
	Catalog() []archetype.Entry
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger     *slog.Logger
	Engine     Engine  // Required
	RateRPS    float64 // Tokens refilled per second per IP (0 = default 10)
	RateBurst  int     // Rate limiter burst size per IP (0 = default 20)
	TrustProxy bool    // Trust X-Real-IP/X-Forwarded-For headers
}

// Server is the JSON API HTTP server.
type Server struct {
	handler http.Handler
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{engine: cfg.Engine, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/healthz", h.healthz)
	mux.HandleFunc("GET /api/v1/catalog", h.catalog)

	mux.HandleFunc("POST /api/v1/trials", h.startTrial)

	mux.HandleFunc("GET /api/v1/instances", h.listInstances)
	mux.HandleFunc("POST /api/v1/instances/{id}/query", h.query)
	mux.HandleFunc("POST /api/v1/instances/{id}/suspend", h.suspend)
	mux.HandleFunc("POST /api/v1/instances/{id}/resume", h.resume)
	mux.HandleFunc("DELETE /api/v1/instances/{id}", h.deleteInstance)

	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}
	rl := newRateLimiter(rps, burst)

	// Middleware stack, outermost first:
	//   Recovery -> Logging -> RateLimit -> Routes
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	return &Server{handler: handler}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}
