package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadsDir       string        `envconfig:"DOWNLOADS_DIR" default:"downloads"`
	DBDriver           string        `envconfig:"DB_DRIVER" default:"sqlite3"`
	DBPath             string        `envconfig:"DB_PATH" default:"downloads.db"`
	MaxParallel        int           `envconfig:"MAX_PARALLEL" default:"5"`
	ChunkSize          int           `envconfig:"CHUNK_SIZE" default:"1024"`
	UserAgent          string        `envconfig:"USER_AGENT" default:"Mozilla/5.0"`
	FetchTimeout       time.Duration `envconfig:"FETCH_TIMEOUT" default:"0s"`
	KeepDownloadedFor  time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"240h"`
	CleanupInterval    time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	ReconcileOnStartup bool          `envconfig:"RECONCILE_ON_STARTUP" default:"true"`
	LogLevel           string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL  string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:5000"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"seedr"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", c.MaxParallel)
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("CHUNK_SIZE must be at least 1, got %d", c.ChunkSize)
	}

	switch c.DBDriver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	if c.DownloadsDir == "" {
		return fmt.Errorf("DOWNLOADS_DIR must not be empty")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
