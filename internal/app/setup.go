package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/mosaic0/mosaic/internal/admission"
	"github.com/mosaic0/mosaic/internal/api"
	"github.com/mosaic0/mosaic/internal/config"
	"github.com/mosaic0/mosaic/internal/engine"
	"github.com/mosaic0/mosaic/internal/generation"
	"github.com/mosaic0/mosaic/internal/knowledge"
	"github.com/mosaic0/mosaic/internal/log"
	"github.com/mosaic0/mosaic/internal/observability"
	"github.com/mosaic0/mosaic/internal/postgres"
	"github.com/mosaic0/mosaic/internal/quota"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup. Call Close() to release.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{Config: cfg}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				slog.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.Logger = provideLogger(cfg)

	// Tracing must be registered before Genkit initialization so the
	// TracerProvider is ready when flows are defined.
	a.otelCleanup = provideOtelShutdown(ctx, cfg)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	eng, err := provideEngine(cfg, pool, g, embedder, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Engine = eng

	srv, err := api.NewServer(api.ServerConfig{
		Logger:    a.Logger,
		Engine:    eng,
		RateRPS:   cfg.RateLimitRPS,
		RateBurst: cfg.RateLimitBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating api server: %w", err)
	}
	a.Server = srv

	return a, nil
}

// provideLogger builds the application logger from the configured level and
// format and installs it as the slog default.
func provideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := log.New(log.Config{Level: level, JSON: cfg.LogJSON})
	slog.SetDefault(logger)
	return logger
}

// provideOtelShutdown registers the OTLP trace exporter. The returned cleanup
// flushes pending spans with its own deadline since the parent context is
// already canceled during teardown.
func provideOtelShutdown(ctx context.Context, cfg *config.Config) func() {
	shutdown, err := observability.Setup(ctx, observability.Config{
		AgentHost:   cfg.OTel.AgentHost,
		Environment: cfg.OTel.Environment,
		ServiceName: cfg.OTel.ServiceName,
	})
	if err != nil {
		slog.Warn("setting up tracing", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := postgres.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := postgres.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	return pool, nil
}

// provideGenkit initializes Genkit with the Gemini plugin. The plugin reads
// GEMINI_API_KEY from the environment; config.Validate has already checked
// its presence.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = "gemini"
	}
	if provider != "gemini" {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with gemini provider")
	}

	slog.Info("initialized Genkit with gemini provider", "embedder", cfg.EmbedderModel)
	return g, nil
}

// provideEngine assembles the execution engine on top of the Postgres-backed
// stores.
func provideEngine(cfg *config.Config, pool *pgxpool.Pool, g *genkit.Genkit, embedder ai.Embedder, logger *slog.Logger) (*engine.Engine, error) {
	store := knowledge.New(postgres.NewKnowledgeQuerier(pool), embedder, logger)

	// Smooth provider bursts across all tenants. The per-IP HTTP limiter
	// protects the API; this global bucket protects the upstream model
	// quota and is tuned independently.
	limiter := rate.NewLimiter(rate.Limit(cfg.ModelRateRPS), cfg.ModelRateBurst)
	generator := generation.NewModel(g, limiter, logger)

	eng, err := engine.New(engine.Params{
		Directory: postgres.NewDirectory(pool),
		Recorder:  postgres.NewRecorder(pool),
		Knowledge: store,
		Generator: generator,
		Guard:     quota.New(postgres.NewUsageStore(pool), logger),
		Admitter:  admission.New(cfg.MaxConcurrentExecutions, cfg.QueueWait(), logger),
		Logger:    logger,
		ModelPin:  cfg.ModelName,
	})
	if err != nil {
		return nil, fmt.Errorf("assembling engine: %w", err)
	}
	return eng, nil
}
