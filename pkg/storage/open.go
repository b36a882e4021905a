package storage

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenConfig describes how to reach the job database.
type OpenConfig struct {
	Driver string
	DSN    string
	// Logger receives slow-query and error reports from GORM. Nil silences GORM.
	Logger        *slog.Logger
	SlowThreshold time.Duration
	Pool          []PoolOption
}

// Open connects to the configured database and applies pool settings.
// SQLite connections are pinned to a single writer, since concurrent
// writers on one file only trade lock errors for throughput.
func Open(cfg OpenConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger(cfg)})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Driver, err)
	}

	pool := cfg.Pool
	if cfg.Driver != DriverPostgres {
		pool = append(pool, MaxOpenConns(1))
	}
	if err := ConfigurePool(db, pool...); err != nil {
		return nil, err
	}
	return db, nil
}

func gormLogger(cfg OpenConfig) logger.Interface {
	if cfg.Logger == nil {
		return logger.Default.LogMode(logger.Silent)
	}
	threshold := cfg.SlowThreshold
	if threshold <= 0 {
		threshold = 200 * time.Millisecond
	}
	return logger.New(
		slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             threshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}
