// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.mosaic/config.yaml or ./config.yaml)
//  3. Default values
//
// Sentinel errors allow errors.Is() checks on validation failures. Sensitive
// fields (the PostgreSQL password) are never logged.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidConcurrency indicates the execution concurrency bound is out of range.
	ErrInvalidConcurrency = errors.New("invalid max concurrent executions")

	// ErrInvalidQueueWait indicates the admission queue wait is out of range.
	ErrInvalidQueueWait = errors.New("invalid queue wait")

	// ErrInvalidListenAddr indicates the HTTP listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidRateLimit indicates the per-client rate limit is out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// DefaultEmbedderModel is the default Gemini embedder model. It supports
// truncation to 768 dimensions, matching the pgvector schema.
const DefaultEmbedderModel = "gemini-embedding-001"

// OTelConfig configures trace export to a local OTLP collector.
type OTelConfig struct {
	AgentHost   string `mapstructure:"agent_host"`
	Environment string `mapstructure:"environment"`
	ServiceName string `mapstructure:"service_name"`
}

// Config stores application configuration.
type Config struct {
	// AI provider and model configuration. ModelName, when set, pins every
	// execution to one model regardless of archetype; empty lets each
	// archetype choose.
	Provider      string `mapstructure:"provider"`
	ModelName     string `mapstructure:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model"`

	// Execution engine.
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`
	QueueWaitSeconds        int `mapstructure:"queue_wait_seconds"`

	// HTTP API.
	ListenAddr     string  `mapstructure:"listen_addr"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	// Upstream model calls. Separate from the per-IP HTTP limits: this
	// bucket is global and protects the provider quota, so tuning the API
	// limits must not move it.
	ModelRateRPS   float64 `mapstructure:"model_rate_rps"`
	ModelRateBurst int     `mapstructure:"model_rate_burst"`

	// Storage (see storage.go for the DSN helpers).
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE: never logged
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Logging.
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Observability.
	OTel OTelConfig `mapstructure:"otel"`
}

// QueueWait returns the admission queue wait as a duration.
func (c *Config) QueueWait() time.Duration {
	return time.Duration(c.QueueWaitSeconds) * time.Second
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".mosaic")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL has the highest priority for PostgreSQL settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "gemini")
	v.SetDefault("model_name", "")
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	v.SetDefault("max_concurrent_executions", 8)
	v.SetDefault("queue_wait_seconds", 5)

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("rate_limit_rps", 10.0)
	v.SetDefault("rate_limit_burst", 20)

	v.SetDefault("model_rate_rps", 5.0)
	v.SetDefault("model_rate_burst", 10)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "mosaic")
	v.SetDefault("postgres_password", "mosaic_dev_password")
	v.SetDefault("postgres_db_name", "mosaic")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)

	v.SetDefault("otel.agent_host", "localhost:4318")
	v.SetDefault("otel.environment", "dev")
	v.SetDefault("otel.service_name", "mosaic")
}

// bindEnvVariables binds runtime overrides explicitly. GEMINI_API_KEY is read
// directly by Genkit, not through Viper; Validate checks its presence.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "MOSAIC_PROVIDER")
	mustBind("model_name", "MOSAIC_MODEL_NAME")
	mustBind("embedder_model", "MOSAIC_EMBEDDER_MODEL")
	mustBind("listen_addr", "MOSAIC_LISTEN_ADDR")
	mustBind("max_concurrent_executions", "MOSAIC_MAX_CONCURRENT_EXECUTIONS")
	mustBind("queue_wait_seconds", "MOSAIC_QUEUE_WAIT_SECONDS")
	mustBind("model_rate_rps", "MOSAIC_MODEL_RATE_RPS")
	mustBind("model_rate_burst", "MOSAIC_MODEL_RATE_BURST")
	mustBind("log_level", "MOSAIC_LOG_LEVEL")
	mustBind("otel.agent_host", "MOSAIC_OTEL_AGENT_HOST")
	mustBind("otel.environment", "MOSAIC_OTEL_ENVIRONMENT")
	mustBind("otel.service_name", "MOSAIC_OTEL_SERVICE_NAME")
}
