package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/queue"
	"github.com/jdziat/durable-job-scheduler/pkg/schedule"
)

func statsCmd(a *app) *cobra.Command {
	var (
		history time.Duration
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status and recorded throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			counts, err := a.store.QueueCounts(ctx)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(counts))
			for name := range counts {
				if all || name == a.q.Name() {
					names = append(names, name)
				}
			}
			sort.Strings(names)

			paused, err := a.store.GetPausedQueues(ctx)
			if err != nil {
				return err
			}
			isPaused := make(map[string]bool, len(paused))
			for _, p := range paused {
				isPaused[p] = true
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			printf(tw, "QUEUE")
			for _, st := range core.AllStatuses {
				printf(tw, "\t%s", st)
			}
			printf(tw, "\tPAUSED\n")
			for _, name := range names {
				printf(tw, "%s", name)
				for _, st := range core.AllStatuses {
					printf(tw, "\t%d", counts[name][st])
				}
				printf(tw, "\t%t\n", isPaused[name])
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if history <= 0 {
				return nil
			}
			queueName := a.q.Name()
			if all {
				queueName = ""
			}
			rows, err := a.stats.History(ctx, queueName, time.Now().Add(-history), time.Time{})
			if err != nil {
				return err
			}
			printf(out, "\n")
			tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			printf(tw, "MINUTE\tQUEUE\tADDED\tCOMPLETED\tFAILED\tRETRIED\tSTALLED\tPENDING\tACTIVE\n")
			for _, r := range rows {
				printf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
					r.Timestamp.UTC().Format("2006-01-02 15:04"), r.Queue,
					r.Added, r.Completed, r.Failed, r.Retried, r.Stalled, r.Pending, r.Active)
			}
			return tw.Flush()
		},
	}

	f := cmd.Flags()
	f.DurationVar(&history, "history", 0, "also print per-minute stats for this window")
	f.BoolVar(&all, "all", false, "include every queue")
	return cmd
}

func repeatCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repeat",
		Short: "Manage repeatable jobs",
	}
	cmd.AddCommand(repeatAddCmd(a), repeatListCmd(a), repeatRemoveCmd(a))
	return cmd
}

func repeatAddCmd(a *app) *cobra.Command {
	var (
		every    time.Duration
		cronExpr string
		attempts int
		priority int
		agentKey string
	)

	cmd := &cobra.Command{
		Use:   "add <name> [payload-json]",
		Short: "Register or replace a repeatable job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched schedule.Schedule
			switch {
			case every > 0 && cronExpr != "":
				return fmt.Errorf("--every and --cron are mutually exclusive")
			case every > 0:
				sched = schedule.Every(every)
			case cronExpr != "":
				s, err := schedule.Parse(cronExpr)
				if err != nil {
					return err
				}
				sched = s
			default:
				return fmt.Errorf("one of --every or --cron is required")
			}

			var payload any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[1])
			}

			opts := []queue.Option{queue.Attempts(attempts), queue.Priority(priority)}
			if agentKey != "" {
				opts = append(opts, queue.AgentKey(agentKey))
			}
			rs, err := a.q.Repeat(cmd.Context(), args[0], sched, payload, opts...)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s %s next run %s\n", rs.Name, rs.Spec, rs.NextRunAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	f := cmd.Flags()
	f.DurationVar(&every, "every", 0, "fixed interval")
	f.StringVar(&cronExpr, "cron", "", "cron expression, optionally prefixed with CRON_TZ=")
	f.IntVar(&attempts, "attempts", core.DefaultMaxAttempts, "maximum attempts per run")
	f.IntVar(&priority, "priority", 0, "priority of each run")
	f.StringVar(&agentKey, "agent", "", "agent key of each run")
	return cmd
}

func repeatListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List repeatable jobs of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.q.ListRepeatable(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				printf(out, "no repeatable jobs\n")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			printf(tw, "NAME\tSCHEDULE\tNEXT RUN\tLAST RUN\n")
			for _, rs := range list {
				last := "-"
				if rs.LastRunAt != nil {
					last = rs.LastRunAt.UTC().Format(time.RFC3339)
				}
				printf(tw, "%s\t%s\t%s\t%s\n", rs.Name, rs.Spec, rs.NextRunAt.UTC().Format(time.RFC3339), last)
			}
			return tw.Flush()
		},
	}
}

func repeatRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a repeatable job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.q.RemoveRepeatable(cmd.Context(), args[0]); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}
