// Package config loads the jobqueue command configuration from the
// environment. A .env file in the working directory is read first when
// present; variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the complete command configuration.
type Config struct {
	Database  Database  `envPrefix:"JOBQUEUE_DB_"`
	Redis     Redis     `envPrefix:"JOBQUEUE_REDIS_"`
	Queue     Queue     `envPrefix:"JOBQUEUE_"`
	Worker    Worker    `envPrefix:"JOBQUEUE_WORKER_"`
	Scheduler Scheduler `envPrefix:"JOBQUEUE_SCHEDULER_"`
	Retention Retention `envPrefix:"JOBQUEUE_RETENTION_"`
	Log       Log       `envPrefix:"JOBQUEUE_LOG_"`
}

// Database selects the job store.
type Database struct {
	Driver        string        `env:"DRIVER" envDefault:"sqlite"`
	DSN           string        `env:"DSN" envDefault:"jobs.db"`
	PoolProfile   string        `env:"POOL_PROFILE" envDefault:"default"`
	SlowThreshold time.Duration `env:"SLOW_THRESHOLD" envDefault:"200ms"`
}

// Redis configures the optional per-agent ordering list. Empty URL keeps
// agent ordering in process memory.
type Redis struct {
	URL       string `env:"URL"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"agentqueue:"`
}

// Queue names the queue commands operate on.
type Queue struct {
	Name string `env:"QUEUE" envDefault:"default"`
}

// Worker tunes the polling loop.
type Worker struct {
	Concurrency     int           `env:"CONCURRENCY" envDefault:"10"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	LockDuration    time.Duration `env:"LOCK_DURATION" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	AgentKey        string        `env:"AGENT_KEY"`
}

// Scheduler tunes the periodic cycle.
type Scheduler struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"1s"`
	Limit    int           `env:"LIMIT" envDefault:"100"`
}

// Retention configures cleanup of finished jobs. Zero disables a status.
type Retention struct {
	Completed time.Duration `env:"COMPLETED" envDefault:"0s"`
	Failed    time.Duration `env:"FAILED" envDefault:"0s"`
	Interval  time.Duration `env:"INTERVAL" envDefault:"1m"`
}

// Log configures the process logger.
type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"`
}

// Load reads the given .env files (".env" when none are given), then parses
// the environment. Missing .env files are not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env parsing cannot.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database DSN is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.LockDuration <= 0 || c.Scheduler.Interval <= 0 {
		return errors.New("config: intervals must be positive")
	}
	if c.Scheduler.Limit <= 0 {
		return fmt.Errorf("config: scheduler limit must be positive, got %d", c.Scheduler.Limit)
	}
	if c.Retention.Completed < 0 || c.Retention.Failed < 0 {
		return errors.New("config: retention must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unsupported log format %q", c.Log.Format)
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
