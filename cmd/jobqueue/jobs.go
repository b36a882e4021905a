package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/queue"
)

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the job and stats tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// bootstrap has already migrated.
			printf(cmd.OutOrStdout(), "migrated %s database\n", a.cfg.Database.Driver)
			return nil
		},
	}
}

func enqueueCmd(a *app) *cobra.Command {
	var (
		attempts  int
		backoff   string
		baseDelay time.Duration
		maxDelay  time.Duration
		jitter    float64
		delay     time.Duration
		priority  int
		agentKey  string
		jobID     string
		dependsOn []string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <name> [payload-json]",
		Short: "Add a job to the queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[1])
			}

			opts := []queue.Option{
				queue.Attempts(attempts),
				queue.Priority(priority),
				queue.Delay(delay),
			}
			if backoff != "" {
				opts = append(opts, queue.Backoff(core.BackoffType(backoff), baseDelay, maxDelay))
			}
			if jitter != 0 {
				opts = append(opts, queue.Jitter(jitter))
			}
			if agentKey != "" {
				opts = append(opts, queue.AgentKey(agentKey))
			}
			if jobID != "" {
				opts = append(opts, queue.JobID(jobID))
			}
			if len(dependsOn) > 0 {
				opts = append(opts, queue.DependsOn(dependsOn...))
			}

			job, err := a.q.Add(cmd.Context(), args[0], payload, opts...)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&attempts, "attempts", core.DefaultMaxAttempts, "maximum attempts")
	f.StringVar(&backoff, "backoff", "", "backoff type: fixed, linear, exponential, none")
	f.DurationVar(&baseDelay, "backoff-delay", core.DefaultBackoffDelay, "base backoff delay")
	f.DurationVar(&maxDelay, "backoff-max", 0, "backoff ceiling, 0 for none")
	f.Float64Var(&jitter, "backoff-jitter", 0, "shorten retry delays randomly by up to this fraction (0..1)")
	f.DurationVar(&delay, "delay", 0, "run after this delay")
	f.IntVar(&priority, "priority", 0, "priority, higher runs first")
	f.StringVar(&agentKey, "agent", "", "agent key for per-agent ordering")
	f.StringVar(&jobID, "id", "", "explicit job id")
	f.StringSliceVar(&dependsOn, "depends-on", nil, "ids of jobs that must complete first")
	return cmd
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.q.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(newJobView(job))
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var (
		statuses []string
		page     int
		limit    int
		asc      bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wanted := make([]core.JobStatus, 0, len(statuses))
			for _, s := range statuses {
				wanted = append(wanted, core.JobStatus(strings.ToLower(s)))
			}

			res, err := a.q.GetJobsByStatus(cmd.Context(), wanted, core.Pagination{Page: page, Limit: limit, Ascending: asc})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(res.Jobs) == 0 {
				printf(out, "no jobs\n")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			printf(tw, "ID\tNAME\tSTATUS\tATTEMPTS\tPRIORITY\tCREATED\n")
			for _, j := range res.Jobs {
				printf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
					j.ID, j.Name, j.Status, j.AttemptsMade, j.MaxAttempts(), j.Priority,
					j.CreatedAt.UTC().Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			printf(out, "page %d, %d of %d jobs\n", res.Page, len(res.Jobs), res.Total)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&statuses, "status", "s", nil, "filter by status (repeatable)")
	f.IntVar(&page, "page", 1, "page number")
	f.IntVar(&limit, "limit", 50, "jobs per page")
	f.BoolVar(&asc, "asc", false, "oldest first")
	return cmd
}

func cleanCmd(a *app) *cobra.Command {
	var (
		grace  time.Duration
		limit  int
		status string
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete finished jobs older than the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.q.Clean(cmd.Context(), grace, limit, core.JobStatus(status))
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "removed %d jobs\n", n)
			return nil
		},
	}

	f := cmd.Flags()
	f.DurationVar(&grace, "grace", time.Hour, "only remove jobs finished before now minus grace")
	f.IntVar(&limit, "limit", 1000, "maximum jobs removed, 0 for no limit")
	f.StringVar(&status, "status", "", "completed or failed; both when empty")
	return cmd
}

func pauseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop workers from claiming jobs of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.q.Pause(cmd.Context()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "queue %s paused\n", a.q.Name())
			return nil
		},
	}
}

func resumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Let workers claim jobs of the queue again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.q.Resume(cmd.Context()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "queue %s resumed\n", a.q.Name())
			return nil
		},
	}
}

// jobView is the JSON shape printed by get.
type jobView struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Status       core.JobStatus  `json:"status"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	AgentKey     string          `json:"agent_key,omitempty"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	Logs         []core.LogEntry `json:"logs,omitempty"`
	ProcessAt    *time.Time      `json:"process_at,omitempty"`
	FinishedOn   *time.Time      `json:"finished_on,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func newJobView(j *core.Job) jobView {
	return jobView{
		ID:           j.ID,
		Queue:        j.Queue,
		Name:         j.Name,
		Status:       j.Status,
		Priority:     j.Priority,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts(),
		AgentKey:     j.AgentKey,
		DependsOn:    j.Options.DependsOnJobIDs,
		Payload:      rawOrNil(j.Payload),
		Result:       rawOrNil(j.Result),
		Progress:     rawOrNil(j.Progress),
		FailedReason: j.FailedReason,
		Logs:         j.Logs,
		ProcessAt:    j.ProcessAt,
		FinishedOn:   j.FinishedOn,
		CreatedAt:    j.CreatedAt,
	}
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
