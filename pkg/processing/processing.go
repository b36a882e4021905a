// Package processing implements the worker-facing side of the queue:
// claiming jobs, heartbeats and reporting outcomes.
//
// Every mutating call is gated on lock ownership. A worker that lost its
// lock, for example because the scheduler declared the job stalled, has
// its writes ignored without an error.
package processing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/durable-job-scheduler/pkg/agentqueue"
	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/events"
	"github.com/jdziat/durable-job-scheduler/pkg/security"
)

// Service implements the claim / heartbeat / outcome protocol.
type Service struct {
	repo    core.Repository
	queue   string
	agents  agentqueue.Queue
	emitter core.Emitter
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	backoffs map[string]core.BackoffFunc

	// Read-modify-write cycles on one job are serialized in-process, so a
	// heartbeat cannot overwrite a concurrent progress update.
	stripes [64]sync.Mutex
}

// New creates a processing service over repo.
func New(repo core.Repository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		emitter:  events.Nop,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      func() time.Time { return time.Now().UTC() },
		backoffs: make(map[string]core.BackoffFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.Apply(s)
		}
	}
	return s
}

// Queue returns the queue this service claims from, or "" for all queues.
func (s *Service) Queue() string {
	return s.queue
}

// RegisterBackoff registers a custom backoff function under name.
func (s *Service) RegisterBackoff(name string, fn core.BackoffFunc) {
	if name == "" || fn == nil {
		return
	}
	s.mu.Lock()
	s.backoffs[name] = fn
	s.mu.Unlock()
}

func (s *Service) backoffFunc(name string) (core.BackoffFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.backoffs[name]
	return fn, ok
}

// FetchNextJobAndLock claims the next job for workerID and moves it to
// ACTIVE. It returns (nil, nil) when nothing is claimable, when the queue
// is paused, or when another worker won the race for the candidate.
// With a non-empty agentKey the candidate is taken from that agent's list.
func (s *Service) FetchNextJobAndLock(ctx context.Context, workerID string, lockDuration time.Duration, agentKey string) (*core.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: empty worker id", core.ErrInvalidOptions)
	}
	if lockDuration <= 0 {
		return nil, fmt.Errorf("%w: lock duration must be positive", core.ErrInvalidOptions)
	}

	paused, err := s.pausedQueues(ctx)
	if err != nil {
		return nil, err
	}
	if s.queue != "" && paused[s.queue] {
		return nil, nil
	}

	var candidate *core.Job
	if agentKey != "" {
		candidate, err = s.agentCandidate(ctx, agentKey, paused)
	} else {
		candidate, err = s.nextCandidate(ctx)
	}
	if err != nil || candidate == nil {
		return nil, err
	}

	now := s.now()
	lockUntil := now.Add(lockDuration)
	locked, err := s.repo.AcquireLock(ctx, candidate.ID, workerID, lockUntil, now)
	if err != nil {
		if agentKey != "" {
			s.requeueAgent(ctx, agentKey, candidate.ID)
		}
		return nil, fmt.Errorf("acquire lock on job %s: %w", candidate.ID, err)
	}
	if !locked {
		s.logger.Debug("lost claim race", "job_id", candidate.ID, "worker_id", workerID)
		return nil, nil
	}

	unlock := s.lockJob(candidate.ID)
	defer unlock()

	job, err := s.activate(ctx, candidate.ID, workerID, lockUntil, now)
	if err != nil || job == nil {
		// A lock on a job that never became ACTIVE is invisible to stall
		// detection, so it is released here.
		s.releaseLock(ctx, candidate.ID, workerID)
		if err != nil && agentKey != "" {
			s.requeueAgent(ctx, agentKey, candidate.ID)
		}
		return nil, err
	}

	s.emitter.Emit(&core.JobActive{
		JobEvent: core.NewJobEvent(job, now),
		WorkerID: workerID,
		Attempt:  job.AttemptsMade,
	})
	return job, nil
}

// activate moves a job locked by workerID from PENDING to ACTIVE. It
// returns (nil, nil) when the job changed after the lock was taken.
func (s *Service) activate(ctx context.Context, id, workerID string, lockUntil, now time.Time) (*core.Job, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load claimed job %s: %w", id, err)
	}
	if job == nil || job.Status != core.StatusPending || job.LockedBy != workerID {
		return nil, nil
	}

	expect := job.Expectation()
	if err := job.MoveToActive(workerID, lockUntil, now); err != nil {
		return nil, err
	}
	ok, err := s.repo.CompareAndSave(ctx, job, expect)
	if err != nil {
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return job, nil
}

func (s *Service) releaseLock(ctx context.Context, id, workerID string) {
	if _, err := s.repo.ReleaseLock(context.WithoutCancel(ctx), id, workerID, s.now()); err != nil {
		s.logger.Error("failed to release claim lock", "job_id", id, "worker_id", workerID, "error", err)
	}
}

func (s *Service) requeueAgent(ctx context.Context, agentKey, id string) {
	if err := s.agents.Push(context.WithoutCancel(ctx), agentKey, id); err != nil {
		s.logger.Error("failed to re-queue agent job", "agent_key", agentKey, "job_id", id, "error", err)
	}
}

func (s *Service) pausedQueues(ctx context.Context) (map[string]bool, error) {
	names, err := s.repo.GetPausedQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("load paused queues: %w", err)
	}
	paused := make(map[string]bool, len(names))
	for _, n := range names {
		paused[n] = true
	}
	return paused, nil
}

// nextCandidate returns the head of the claim order. The repository
// already leaves out paused queues.
func (s *Service) nextCandidate(ctx context.Context) (*core.Job, error) {
	jobs, err := s.repo.FindNextJobsToProcess(ctx, s.queue, s.now(), 1)
	if err != nil {
		return nil, fmt.Errorf("find next job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (s *Service) agentCandidate(ctx context.Context, agentKey string, paused map[string]bool) (*core.Job, error) {
	if s.agents == nil {
		return nil, fmt.Errorf("%w: no agent queue configured", core.ErrInvalidAgentKey)
	}
	id, ok, err := s.agents.Pop(ctx, agentKey)
	if err != nil {
		return nil, fmt.Errorf("pop agent queue %s: %w", agentKey, err)
	}
	if !ok {
		return nil, nil
	}

	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		s.requeueAgent(ctx, agentKey, id)
		return nil, fmt.Errorf("load agent job %s: %w", id, err)
	}
	switch {
	case job == nil:
		s.logger.Warn("agent queue references unknown job", "agent_key", agentKey, "job_id", id)
		return nil, nil
	case s.queue != "" && job.Queue != s.queue:
		s.logger.Warn("agent job belongs to another queue", "agent_key", agentKey, "job_id", id, "queue", job.Queue)
		return nil, nil
	case job.Status != core.StatusPending:
		s.logger.Info("agent job is not pending, skipping", "agent_key", agentKey, "job_id", id, "status", job.Status)
		return nil, nil
	case paused[job.Queue]:
		s.requeueAgent(ctx, agentKey, id)
		return nil, nil
	}
	return job, nil
}

// ExtendJobLock moves the lock expiry of an ACTIVE job forward. It is a
// no-op unless workerID holds the lock.
func (s *Service) ExtendJobLock(ctx context.Context, jobID, workerID string, lockDuration time.Duration) error {
	_, err := s.mutateOwned(ctx, jobID, workerID, func(job *core.Job, now time.Time) (core.Event, error) {
		lockUntil := now.Add(lockDuration)
		job.ExtendLock(workerID, lockUntil, now)
		return &core.JobLockExtended{
			JobEvent:  core.NewJobEvent(job, now),
			WorkerID:  workerID,
			LockUntil: lockUntil,
		}, nil
	})
	return err
}

// MarkJobAsCompleted stores result and moves the job to COMPLETED.
func (s *Service) MarkJobAsCompleted(ctx context.Context, jobID, workerID string, result []byte) error {
	_, err := s.CompleteJob(ctx, jobID, workerID, result)
	return err
}

// CompleteJob is MarkJobAsCompleted that also reports whether the outcome
// was written. It is false when workerID no longer owns the job.
func (s *Service) CompleteJob(ctx context.Context, jobID, workerID string, result []byte) (bool, error) {
	return s.mutateOwned(ctx, jobID, workerID, func(job *core.Job, now time.Time) (core.Event, error) {
		var took time.Duration
		if job.ProcessedOn != nil {
			took = now.Sub(*job.ProcessedOn)
		}
		if err := job.MarkCompleted(result, now); err != nil {
			return nil, err
		}
		return &core.JobCompleted{
			JobEvent: core.NewJobEvent(job, now),
			Result:   result,
			Duration: took,
		}, nil
	})
}

// MarkJobAsFailed records cause and either schedules a retry (DELAYED)
// or fails the job permanently.
func (s *Service) MarkJobAsFailed(ctx context.Context, jobID, workerID string, cause error) error {
	_, err := s.FailJob(ctx, jobID, workerID, cause)
	return err
}

// FailJob is MarkJobAsFailed that also reports whether the outcome was
// written. It is false when workerID no longer owns the job.
func (s *Service) FailJob(ctx context.Context, jobID, workerID string, cause error) (bool, error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	reason := security.SanitizeErrorMessage(cause.Error())
	stack := stackOf(cause)

	return s.mutateOwned(ctx, jobID, workerID, func(job *core.Job, now time.Time) (core.Event, error) {
		delay, retry := s.RetryDelay(job, cause)
		if !retry {
			job.MarkFailed(reason, stack, now)
			return &core.JobFailed{
				JobEvent: core.NewJobEvent(job, now),
				Error:    cause,
				Attempt:  job.AttemptsMade,
			}, nil
		}

		at := now.Add(delay)
		job.MoveToDelayed(at, reason, now)
		job.Stacktrace = stack
		return &core.JobDelayed{
			JobEvent:   core.NewJobEvent(job, now),
			Error:      cause,
			Attempt:    job.AttemptsMade,
			DelayUntil: at,
		}, nil
	})
}

// UpdateJobProgress records worker-reported progress.
func (s *Service) UpdateJobProgress(ctx context.Context, jobID, workerID string, progress any) error {
	_, err := s.mutateOwned(ctx, jobID, workerID, func(job *core.Job, now time.Time) (core.Event, error) {
		if err := job.UpdateProgress(progress, now); err != nil {
			return nil, err
		}
		return &core.JobProgress{
			JobEvent: core.NewJobEvent(job, now),
			Progress: append([]byte(nil), job.Progress...),
		}, nil
	})
	return err
}

// AddJobLog appends a log line to the job. The oldest lines are dropped
// beyond security.MaxLogEntries.
func (s *Service) AddJobLog(ctx context.Context, jobID, workerID, message, level string) error {
	_, err := s.mutateOwned(ctx, jobID, workerID, func(job *core.Job, now time.Time) (core.Event, error) {
		job.AddLog(security.SanitizeErrorMessage(message), level, now)
		if over := len(job.Logs) - security.MaxLogEntries; over > 0 {
			job.Logs = job.Logs[over:]
		}
		return &core.JobLog{
			JobEvent: core.NewJobEvent(job, now),
			Entry:    job.Logs[len(job.Logs)-1],
		}, nil
	})
	return err
}

// RetryDelay decides whether job may be retried after err and how long to
// wait. NoRetryError and an exhausted attempt budget forbid a retry;
// RetryAfterError overrides the computed delay; custom backoff functions
// may veto a retry by returning a negative delay.
func (s *Service) RetryDelay(job *core.Job, err error) (time.Duration, bool) {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		return 0, false
	}
	if !job.CanRetry() {
		return 0, false
	}

	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		return max(retryAfter.Delay, 0), true
	}

	if job.Options.BackoffType == core.BackoffCustom {
		fn, ok := s.backoffFunc(job.Options.BackoffFunc)
		if !ok {
			s.logger.Warn("custom backoff function not registered, using base delay",
				"job_id", job.ID, "backoff_func", job.Options.BackoffFunc)
			return job.Options.BackoffDelay(), true
		}
		d := fn(job.AttemptsMade, err)
		if d < 0 {
			return 0, false
		}
		return d.Round(time.Millisecond), true
	}

	return job.RetryPolicy().Delay(job.AttemptsMade), true
}

// mutateOwned loads the job, applies fn if workerID owns it and saves the
// result conditionally. Ownership loss at any point is silently ignored and
// reported as applied == false.
func (s *Service) mutateOwned(ctx context.Context, jobID, workerID string, fn func(*core.Job, time.Time) (core.Event, error)) (applied bool, err error) {
	unlock := s.lockJob(jobID)
	defer unlock()

	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil || !job.OwnedBy(workerID) {
		s.logger.Debug("ignoring update from non-owner", "job_id", jobID, "worker_id", workerID)
		return false, nil
	}

	expect := job.Expectation()
	ev, err := fn(job, s.now())
	if err != nil {
		return false, err
	}
	ok, err := s.repo.CompareAndSave(ctx, job, expect)
	if err != nil {
		return false, fmt.Errorf("save job %s: %w", jobID, err)
	}
	if !ok {
		s.logger.Debug("job changed underneath owner", "job_id", jobID, "worker_id", workerID)
		return false, nil
	}
	if ev != nil {
		s.emitter.Emit(ev)
	}
	return true, nil
}

func (s *Service) lockJob(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &s.stripes[h.Sum32()%uint32(len(s.stripes))]
	m.Lock()
	return m.Unlock
}

func stackOf(err error) string {
	var st interface{ StackTrace() string }
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	return ""
}
