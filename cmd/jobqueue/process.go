package main

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/durable-job-scheduler/pkg/stats"
	"github.com/jdziat/durable-job-scheduler/pkg/worker"
)

func (a *app) newWorker(id string, embedScheduler bool) *worker.Worker {
	opts := []worker.WorkerOption{
		worker.Concurrency(a.cfg.Worker.Concurrency),
		worker.PollInterval(a.cfg.Worker.PollInterval),
		worker.LockDuration(a.cfg.Worker.LockDuration),
		worker.ShutdownTimeout(a.cfg.Worker.ShutdownTimeout),
		worker.WorkerID(id),
	}
	if a.cfg.Worker.AgentKey != "" {
		opts = append(opts, worker.WithAgentKey(a.cfg.Worker.AgentKey))
	}
	if embedScheduler {
		opts = append(opts, worker.WithScheduler(true), worker.SchedulerOptions(a.schedulerOptions()...))
	}
	return worker.NewWorker(a.q, opts...)
}

func (a *app) newCollector(interval time.Duration) *stats.Collector {
	return stats.NewCollector(a.q, a.stats,
		stats.WithFlushInterval(interval),
		stats.WithLogger(a.logger),
	)
}

func workerCmd(a *app) *cobra.Command {
	var (
		id             string
		embedScheduler bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := a.newWorker(id, embedScheduler)
			a.q.StartMaintenance(cmd.Context())
			return ignoreShutdown(w.Start(cmd.Context()))
		},
	}

	f := cmd.Flags()
	f.StringVar(&id, "id", "", "worker id, random when empty")
	f.BoolVar(&embedScheduler, "with-scheduler", false, "also run the scheduler in this process")
	return cmd
}

func schedulerCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run scheduler cycles until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := a.q.NewScheduler(a.schedulerOptions()...)
			if once {
				st := s.RunCycle(cmd.Context())
				printf(cmd.OutOrStdout(), "promoted=%d retried=%d failed=%d fired=%d unblocked=%d\n",
					st.Promoted, st.Retried, st.Failed, st.Fired, st.Unblocked)
				return nil
			}
			return ignoreShutdown(s.Run(cmd.Context()))
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

// runCmd runs a worker, the scheduler, retention and the stats collector in
// one process.
func runCmd(a *app) *cobra.Command {
	var (
		id            string
		statsInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run worker, scheduler and stats collector together",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, ctx := errgroup.WithContext(cmd.Context())

			w := a.newWorker(id, false)
			g.Go(func() error {
				return ignoreShutdown(w.Start(ctx))
			})

			// Maintenance carries its own scheduler.
			if a.q.Maintenance() != nil {
				a.q.StartMaintenance(ctx)
				defer a.q.Close()
			} else {
				s := a.q.NewScheduler(a.schedulerOptions()...)
				g.Go(func() error {
					return ignoreShutdown(s.Run(ctx))
				})
			}

			collector := a.newCollector(statsInterval)
			g.Go(func() error {
				collector.Start(ctx)
				return nil
			})

			return g.Wait()
		},
	}

	f := cmd.Flags()
	f.StringVar(&id, "id", "", "worker id, random when empty")
	f.DurationVar(&statsInterval, "stats-interval", stats.DefaultFlushInterval, "stats flush interval")
	return cmd
}
