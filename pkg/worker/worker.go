package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
	intctx "github.com/jdziat/durable-job-scheduler/pkg/internal/context"
	"github.com/jdziat/durable-job-scheduler/pkg/internal/handler"
	"github.com/jdziat/durable-job-scheduler/pkg/processing"
	"github.com/jdziat/durable-job-scheduler/pkg/queue"
)

// Worker defaults.
const (
	DefaultConcurrency     = 10
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultLockDuration    = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// ErrWorkerRunning is returned by Start when the worker is already running.
var ErrWorkerRunning = errors.New("jobs: worker already running")

// Worker claims jobs of one queue and runs their handlers.
type Worker struct {
	queue   *queue.Queue
	svc     *processing.Service
	config  WorkerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Concurrency:     DefaultConcurrency,
		PollInterval:    DefaultPollInterval,
		LockDuration:    DefaultLockDuration,
		ShutdownTimeout: DefaultShutdownTimeout,
		WorkerID:        uuid.New().String(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt.ApplyWorker(&config)
		}
	}

	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.LockDuration {
		config.HeartbeatInterval = config.LockDuration / 3
	}
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.DequeueRetry == nil {
		dequeueCfg := DefaultDequeueRetryConfig()
		config.DequeueRetry = &dequeueCfg
	}

	logger := config.Logger
	if logger == nil {
		logger = q.Logger()
	}

	return &Worker{
		queue:  q,
		svc:    q.Processing(),
		config: config,
		logger: logger.With("worker_id", config.WorkerID),
	}
}

// ID returns the worker identity used as lock owner.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// Config returns the effective configuration.
func (w *Worker) Config() WorkerConfig {
	return w.config
}

// IsRunning reports whether Start is in progress.
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

// Start begins processing jobs. Blocks until ctx is cancelled, then waits
// for in-flight jobs to report their outcome before returning ctx.Err().
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	defer w.running.Store(false)

	// Handlers outlive ctx so they can finish during shutdown.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	if w.config.EnableScheduler {
		sched := w.queue.NewScheduler(w.config.SchedulerOptions...)
		sched.Start(ctx)
		defer sched.Stop()
	}

	w.logger.Info("worker started",
		"queue", w.queue.Name(),
		"concurrency", w.config.Concurrency,
		"agent_key", w.config.AgentKey,
	)

	slots := semaphore.NewWeighted(int64(w.config.Concurrency))
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		w.fill(ctx, jobCtx, slots)

		select {
		case <-ctx.Done():
			w.drain(cancelJobs)
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fill claims jobs until every slot is busy or no job is available.
func (w *Worker) fill(ctx, jobCtx context.Context, slots *semaphore.Weighted) {
	for ctx.Err() == nil && slots.TryAcquire(1) {
		job, err := w.fetchWithRetry(ctx)
		if err != nil || job == nil {
			slots.Release(1)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("failed to fetch job after retries", "error", err)
			}
			return
		}

		w.wg.Go(func() {
			defer slots.Release(1)
			w.processJob(jobCtx, job)
		})
	}
}

// drain waits for in-flight jobs, cancelling their contexts once the
// shutdown timeout has passed.
func (w *Worker) drain(cancelJobs context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
		w.logger.Warn("shutdown timeout reached, cancelling in-flight jobs")
		cancelJobs()
	}
	<-done
}

// fetchWithRetry claims the next job. The claim itself is detached from ctx
// so a cancellation never leaves a half-written claim behind.
func (w *Worker) fetchWithRetry(ctx context.Context) (*core.Job, error) {
	claimCtx := context.WithoutCancel(ctx)
	var job *core.Job
	err := retryWithBackoff(ctx, *w.config.DequeueRetry, func() error {
		var fetchErr error
		job, fetchErr = w.svc.FetchNextJobAndLock(claimCtx, w.config.WorkerID, w.config.LockDuration, w.config.AgentKey)
		return fetchErr
	})
	return job, err
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	logger := w.logger.With("job_id", job.ID, "name", job.Name, "attempt", job.AttemptsMade)
	reportCtx := context.WithoutCancel(ctx)

	h, ok := w.queue.GetHandler(job.Name)
	if !ok {
		err := fmt.Errorf("jobs: no handler registered for %q", job.Name)
		logger.Error("no handler for job")
		w.reportFailure(reportCtx, job, err)
		return
	}

	w.queue.CallStartHooks(ctx, job)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.runHeartbeat(heartbeatCtx, job)
	}()

	result, err := w.executeHandler(ctx, job, h)

	stopHeartbeat()
	<-heartbeatDone

	if err != nil {
		logger.Warn("job handler failed", "error", err)
		w.reportFailure(reportCtx, job, err)
		return
	}

	applied, err := w.completeWithRetry(reportCtx, job, result)
	if err != nil {
		logger.Error("failed to complete job after retries", "error", err)
		return
	}
	if !applied {
		logger.Warn("lock lost before completion was recorded")
		return
	}
	job.Result = result
	w.queue.CallCompleteHooks(ctx, job)
}

func (w *Worker) executeHandler(ctx context.Context, job *core.Job, h *handler.Handler) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()

	jc := &intctx.JobContext{
		Job:      job,
		WorkerID: w.config.WorkerID,
		Reporter: w.svc,
	}
	return h.Execute(intctx.WithJobContext(ctx, jc), job.Payload)
}

// runHeartbeat periodically extends the job lock during execution so
// long-running jobs are not reclaimed as stalled.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.svc.ExtendJobLock(ctx, job.ID, w.config.WorkerID, w.config.LockDuration)
			})
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			}
		}
	}
}

// completeWithRetry marks a job complete with retry on transient failures.
// applied is false when the worker no longer owned the job.
func (w *Worker) completeWithRetry(ctx context.Context, job *core.Job, result []byte) (applied bool, err error) {
	err = retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		var opErr error
		applied, opErr = w.svc.CompleteJob(ctx, job.ID, w.config.WorkerID, result)
		return opErr
	})
	return applied, err
}

// reportFailure records a failed attempt and runs the retry or fail hooks.
// Hooks only run when the outcome was written under this worker's lock.
func (w *Worker) reportFailure(ctx context.Context, job *core.Job, cause error) {
	_, retry := w.svc.RetryDelay(job, cause)

	var applied bool
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		var opErr error
		applied, opErr = w.svc.FailJob(ctx, job.ID, w.config.WorkerID, cause)
		return opErr
	})
	if err != nil {
		w.logger.Error("failed to mark job as failed after retries", "job_id", job.ID, "error", err)
		return
	}
	if !applied {
		w.logger.Warn("lock lost before failure was recorded", "job_id", job.ID)
		return
	}

	if retry {
		w.queue.CallRetryHooks(ctx, job, job.AttemptsMade, cause)
	} else {
		w.queue.CallFailHooks(ctx, job, cause)
	}
}
