package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/jdziat/durable-job-scheduler/internal/config"
	"github.com/jdziat/durable-job-scheduler/pkg/agentqueue"
	"github.com/jdziat/durable-job-scheduler/pkg/queue"
	"github.com/jdziat/durable-job-scheduler/pkg/scheduler"
	"github.com/jdziat/durable-job-scheduler/pkg/stats"
	"github.com/jdziat/durable-job-scheduler/pkg/storage"
)

// app holds what every subcommand needs once the root has bootstrapped.
type app struct {
	envFile string
	driver  string
	dsn     string
	queue   string
	level   string

	cfg    config.Config
	logger *slog.Logger
	db     *gorm.DB
	store  *storage.GormStorage
	stats  *stats.GormStorage
	agents *agentqueue.Redis
	q      *queue.Queue
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "jobqueue",
		Short:         "Durable job queue and scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.bootstrap(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file read before the environment")
	flags.StringVar(&a.driver, "driver", "", "database driver: sqlite or postgres")
	flags.StringVar(&a.dsn, "dsn", "", "database DSN")
	flags.StringVarP(&a.queue, "queue", "q", "", "queue name")
	flags.StringVar(&a.level, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		migrateCmd(a),
		enqueueCmd(a),
		getCmd(a),
		listCmd(a),
		statsCmd(a),
		cleanCmd(a),
		pauseCmd(a),
		resumeCmd(a),
		repeatCmd(a),
		workerCmd(a),
		schedulerCmd(a),
		runCmd(a),
	)
	return root
}

// bootstrap loads configuration, applies flag overrides and opens the store.
func (a *app) bootstrap(cmd *cobra.Command) error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Database.Driver = a.driver
	}
	if flags.Changed("dsn") {
		cfg.Database.DSN = a.dsn
	}
	if flags.Changed("queue") {
		cfg.Queue.Name = a.queue
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Log.NewLogger(cmd.ErrOrStderr())

	pool, err := storage.PoolProfile(cfg.Database.PoolProfile)
	if err != nil {
		return err
	}
	a.db, err = storage.Open(storage.OpenConfig{
		Driver:        cfg.Database.Driver,
		DSN:           cfg.Database.DSN,
		Logger:        a.logger,
		SlowThreshold: cfg.Database.SlowThreshold,
		Pool:          []storage.PoolOption{storage.WithPoolConfig(pool)},
	})
	if err != nil {
		return err
	}
	a.store = storage.NewGormStorage(a.db)
	a.stats = stats.NewGormStorage(a.db)

	ctx := cmd.Context()
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	if err := a.stats.MigrateStats(ctx); err != nil {
		return fmt.Errorf("migrate stats: %w", err)
	}

	opts := []queue.QueueOption{queue.WithLogger(a.logger)}
	if cfg.Redis.URL != "" {
		a.agents, err = agentqueue.Connect(ctx, cfg.Redis.URL, agentqueue.WithKeyPrefix(cfg.Redis.KeyPrefix))
		if err != nil {
			return err
		}
		opts = append(opts, queue.WithAgentQueue(a.agents))
	}
	if cfg.Retention.Completed > 0 || cfg.Retention.Failed > 0 {
		opts = append(opts, queue.WithMaintenance(a.retention(), a.schedulerOptions()...))
	}

	a.q, err = queue.New(a.store, cfg.Queue.Name, opts...)
	if err != nil {
		return err
	}
	registerBuiltins(a.q)
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.q != nil {
		errs = append(errs, a.q.Close())
	}
	if a.agents != nil {
		errs = append(errs, a.agents.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

func (a *app) schedulerOptions() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithInterval(a.cfg.Scheduler.Interval),
		scheduler.WithBatchSize(a.cfg.Scheduler.Limit),
	}
}

func (a *app) retention() scheduler.Retention {
	return scheduler.Retention{
		Queue:     a.cfg.Queue.Name,
		Completed: a.cfg.Retention.Completed,
		Failed:    a.cfg.Retention.Failed,
		Limit:     a.cfg.Scheduler.Limit,
		Interval:  a.cfg.Retention.Interval,
	}
}

// ignoreShutdown maps the cancellation that ends a long-running command to
// a clean exit.
func ignoreShutdown(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
