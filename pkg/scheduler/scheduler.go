// Package scheduler runs the periodic control loop over the job table:
// it promotes due delayed jobs, recovers stalled jobs, fires repeatable
// schedules and releases jobs whose dependencies completed.
//
// Every write is a conditional save, so several schedulers may run
// against the same database; the losers of a race simply skip the job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-job-scheduler/pkg/agentqueue"
	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/events"
	"github.com/jdziat/durable-job-scheduler/pkg/schedule"
)

// Defaults for a Service.
const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 50
)

// ErrJobStalled is the cause handed to the retry policy for a stalled job.
var ErrJobStalled = errors.New("jobs: lock expired before the worker reported an outcome")

// RetryPolicy decides whether a failed job gets another attempt.
// processing.Service implements it.
type RetryPolicy interface {
	RetryDelay(job *core.Job, err error) (time.Duration, bool)
}

type jobRetryPolicy struct{}

// RetryDelay applies the job's own backoff settings.
func (jobRetryPolicy) RetryDelay(job *core.Job, _ error) (time.Duration, bool) {
	if !job.CanRetry() {
		return 0, false
	}
	if job.Options.BackoffType == core.BackoffCustom {
		return job.Options.BackoffDelay(), true
	}
	return job.RetryPolicy().Delay(job.AttemptsMade), true
}

// CycleStats counts what one cycle did.
type CycleStats struct {
	Promoted  int // DELAYED -> PENDING
	Retried   int // stalled, moved to DELAYED
	Failed    int // stalled, attempts exhausted
	Fired     int // repeatable schedules enqueued
	Unblocked int // WAITING_CHILDREN -> PENDING
}

// Service is the scheduler control loop.
type Service struct {
	repo     core.Repository
	agents   agentqueue.Queue
	emitter  core.Emitter
	retry    RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	limit    int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler over repo.
func New(repo core.Repository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		emitter:  events.Nop,
		retry:    jobRetryPolicy{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      func() time.Time { return time.Now().UTC() },
		interval: DefaultInterval,
		limit:    DefaultBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.Apply(s)
		}
	}
	return s
}

// Interval returns the time between cycles.
func (s *Service) Interval() time.Duration {
	return s.interval
}

// Start runs the loop in the background until Stop is called or ctx is
// cancelled. Starting a running scheduler is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}(s.done)
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether the background loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run executes a cycle immediately and then once per interval, blocking
// until ctx is cancelled. Cycles are never interrupted halfway.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "batch_size", s.limit)
	defer s.logger.Info("scheduler stopped")

	cycleCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunCycle(cycleCtx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one pass of every phase in order. A failing or
// panicking phase is logged and the next phase still runs.
func (s *Service) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	now := s.now()

	s.runPhase("promote delayed", func() error {
		n, err := s.promoteDelayedJobs(ctx, now)
		stats.Promoted = n
		return err
	})
	s.runPhase("handle stalled", func() error {
		var err error
		stats.Retried, stats.Failed, err = s.handleStalledJobs(ctx, now)
		return err
	})
	s.runPhase("process repeatable", func() error {
		n, err := s.processRepeatableJobs(ctx, now)
		stats.Fired = n
		return err
	})
	s.runPhase("check dependencies", func() error {
		n, err := s.checkJobDependencies(ctx, now)
		stats.Unblocked = n
		return err
	})

	if stats != (CycleStats{}) {
		s.logger.Debug("scheduler cycle",
			"promoted", stats.Promoted,
			"retried", stats.Retried,
			"failed", stats.Failed,
			"fired", stats.Fired,
			"unblocked", stats.Unblocked,
		)
	}
	return stats
}

func (s *Service) runPhase(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler phase panicked", "phase", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error("scheduler phase failed", "phase", name, "error", err)
	}
}

func (s *Service) promoteDelayedJobs(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.repo.FindDelayedJobsToPromote(ctx, now, s.limit)
	if err != nil {
		return 0, fmt.Errorf("find delayed jobs: %w", err)
	}
	promoted := 0
	for _, job := range jobs {
		if s.promote(ctx, job, now) {
			promoted++
		}
	}
	return promoted, nil
}

func (s *Service) handleStalledJobs(ctx context.Context, now time.Time) (retried, failed int, err error) {
	jobs, err := s.repo.FindStalledJobs(ctx, now, s.limit)
	if err != nil {
		return 0, 0, fmt.Errorf("find stalled jobs: %w", err)
	}

	for _, job := range jobs {
		expect := job.Expectation()
		stalled := &core.JobStalled{JobEvent: core.NewJobEvent(job, now), WorkerID: job.LockedBy}
		if job.LockExpiresAt != nil {
			stalled.LockExpiredAt = *job.LockExpiresAt
		}

		var outcome core.Event
		if delay, ok := s.retry.RetryDelay(job, ErrJobStalled); ok {
			at := now.Add(delay)
			job.MoveToDelayed(at, fmt.Sprintf("Stalled (attempt %d)", job.AttemptsMade), now)
			outcome = &core.JobDelayed{
				JobEvent:   core.NewJobEvent(job, now),
				Error:      ErrJobStalled,
				Attempt:    job.AttemptsMade,
				DelayUntil: at,
			}
		} else {
			job.MarkFailed(fmt.Sprintf("Stalled after %d attempts; lock expired.", job.AttemptsMade), "", now)
			outcome = &core.JobFailed{
				JobEvent: core.NewJobEvent(job, now),
				Error:    ErrJobStalled,
				Attempt:  job.AttemptsMade,
			}
		}

		ok, err := s.repo.CompareAndSave(ctx, job, expect)
		if err != nil {
			s.logger.Error("failed to recover stalled job", "job_id", job.ID, "error", err)
			continue
		}
		if !ok {
			// The worker reported in, or another scheduler got here first.
			continue
		}

		s.logger.Warn("job stalled", "job_id", job.ID, "queue", job.Queue,
			"worker_id", stalled.WorkerID, "attempt", job.AttemptsMade, "status", job.Status)
		s.emitter.Emit(stalled)
		s.emitter.Emit(outcome)
		if job.Status == core.StatusDelayed {
			retried++
		} else {
			failed++
		}
	}
	return retried, failed, nil
}

// processRepeatableJobs enqueues a one-shot job for every due schedule.
// The schedule is advanced first with a revision check, so only one
// scheduler fires each occurrence. Occurrences missed while no scheduler
// was running are collapsed into a single run.
func (s *Service) processRepeatableJobs(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.FindDueSchedules(ctx, now, s.limit)
	if err != nil {
		return 0, fmt.Errorf("find due schedules: %w", err)
	}

	fired := 0
	for _, rs := range due {
		sched, err := schedule.Parse(rs.Spec)
		if err != nil {
			s.logger.Error("invalid repeatable schedule", "queue", rs.Queue, "name", rs.Name, "spec", rs.Spec, "error", err)
			continue
		}

		ok, err := s.repo.AdvanceSchedule(ctx, rs, sched.Next(now).UTC(), now)
		if err != nil {
			s.logger.Error("failed to advance schedule", "queue", rs.Queue, "name", rs.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}

		job, err := s.jobFromSchedule(rs, now)
		if err == nil {
			err = s.repo.Save(ctx, job)
		}
		if err != nil {
			s.logger.Error("failed to enqueue repeatable job", "queue", rs.Queue, "name", rs.Name, "error", err)
			continue
		}
		s.pushAgent(ctx, job)
		s.emitter.Emit(&core.JobAdded{JobEvent: core.NewJobEvent(job, now), Status: job.Status})
		fired++
	}
	return fired, nil
}

func (s *Service) jobFromSchedule(rs *core.RepeatableSchedule, now time.Time) (*core.Job, error) {
	opts := rs.Options
	opts.DependsOnJobIDs = nil
	job, err := core.NewJob(uuid.New().String(), rs.Queue, rs.Name, rs.Payload, opts, 0, now)
	if err != nil {
		return nil, err
	}
	job.Priority = rs.Priority
	job.AgentKey = rs.AgentKey
	return job, nil
}

func (s *Service) checkJobDependencies(ctx context.Context, now time.Time) (int, error) {
	waiting, err := s.repo.FindWaitingJobs(ctx, s.limit)
	if err != nil {
		return 0, fmt.Errorf("find waiting jobs: %w", err)
	}

	unblocked := 0
	for _, job := range waiting {
		ready, err := s.dependenciesMet(ctx, job)
		if err != nil {
			s.logger.Error("failed to load dependencies", "job_id", job.ID, "error", err)
			continue
		}
		if ready && s.promote(ctx, job, now) {
			unblocked++
		}
	}
	return unblocked, nil
}

// dependenciesMet reports whether every dependency of job is COMPLETED.
// A job without dependencies is always ready. A failed dependency keeps
// the job waiting.
func (s *Service) dependenciesMet(ctx context.Context, job *core.Job) (bool, error) {
	ids := job.Options.DependsOnJobIDs
	if len(ids) == 0 {
		s.logger.Warn("waiting job has no dependencies, promoting", "job_id", job.ID)
		return true, nil
	}

	deps, missing, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return false, err
	}
	if len(missing) > 0 {
		s.logger.Debug("dependencies not found yet", "job_id", job.ID, "missing", missing)
		return false, nil
	}
	for _, dep := range deps {
		if dep.Status != core.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// promote moves a DELAYED or WAITING_CHILDREN job to PENDING.
func (s *Service) promote(ctx context.Context, job *core.Job, now time.Time) bool {
	expect := job.Expectation()
	from := job.Status
	if !job.PromoteToPending(now) {
		return false
	}
	ok, err := s.repo.CompareAndSave(ctx, job, expect)
	if err != nil {
		s.logger.Error("failed to promote job", "job_id", job.ID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	s.pushAgent(ctx, job)
	s.emitter.Emit(&core.JobPromoted{JobEvent: core.NewJobEvent(job, now), From: from})
	return true
}

func (s *Service) pushAgent(ctx context.Context, job *core.Job) {
	if s.agents == nil || job.AgentKey == "" {
		return
	}
	if err := s.agents.Push(ctx, job.AgentKey, job.ID); err != nil {
		s.logger.Error("failed to push job to agent queue", "job_id", job.ID, "agent_key", job.AgentKey, "error", err)
	}
}
