// Package app assembles the engine and its dependencies into a runnable
// application. Wiring is explicit constructor calls in Setup; there is no
// DI framework.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mosaic0/mosaic/internal/api"
	"github.com/mosaic0/mosaic/internal/config"
	"github.com/mosaic0/mosaic/internal/engine"
)

// App is the assembled application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit *genkit.Genkit
	DBPool *pgxpool.Pool
	Engine *engine.Engine
	Server *api.Server

	otelCleanup func()
}

// Close releases resources in reverse construction order. Safe to call on a
// partially constructed App.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.DBPool != nil {
		a.DBPool.Close()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
