package jobs_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobs "github.com/jdziat/durable-job-scheduler"
	"github.com/jdziat/durable-job-scheduler/pkg/agentqueue"
	"github.com/jdziat/durable-job-scheduler/pkg/scheduler"
)

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestFacadeNew_CreatesQueue(t *testing.T) {
	q, err := jobs.New(jobs.NewMemoryStorage(), "default")
	require.NoError(t, err)
	assert.Equal(t, "default", q.Name())
}

func TestFacadeNew_RejectsInvalidName(t *testing.T) {
	_, err := jobs.New(jobs.NewMemoryStorage(), "no spaces")
	assert.ErrorIs(t, err, jobs.ErrInvalidQueueName)
}

func TestFacadeOpenStorage_SQLite(t *testing.T) {
	store, err := jobs.OpenStorage(context.Background(), jobs.StorageConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "jobs.db"),
	})
	require.NoError(t, err)
	assert.True(t, store.IsSQLite())

	q, err := jobs.New(store, "default")
	require.NoError(t, err)

	job, err := q.Add(context.Background(), "ping", "hello")
	require.NoError(t, err)

	got, err := q.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
}

func TestFacadeOpenStorage_UnknownDriver(t *testing.T) {
	_, err := jobs.OpenStorage(context.Background(), jobs.StorageConfig{Driver: "oracle"})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

func TestFacadeJobOptions_AllReturnNonNil(t *testing.T) {
	opts := []jobs.Option{
		jobs.Priority(1),
		jobs.Attempts(3),
		jobs.Backoff(jobs.BackoffExponential, time.Second, time.Minute),
		jobs.BackoffFunc("custom"),
		jobs.Delay(time.Second),
		jobs.At(time.Now()),
		jobs.DependsOn("a"),
		jobs.AgentKey("agent"),
		jobs.JobID("id"),
		jobs.Jitter(0.5),
		jobs.Timeout(time.Second),
	}
	for i, opt := range opts {
		assert.NotNil(t, opt, "option %d", i)
	}
}

func TestFacadeJobOptions_Applied(t *testing.T) {
	q, err := jobs.New(jobs.NewMemoryStorage(), "default")
	require.NoError(t, err)

	job, err := q.Add(context.Background(), "report", nil,
		jobs.Priority(7),
		jobs.Attempts(4),
		jobs.Backoff(jobs.BackoffLinear, 200*time.Millisecond, 0),
		jobs.Jitter(0.25),
		jobs.Delay(time.Minute),
	)
	require.NoError(t, err)
	assert.Equal(t, 0.25, job.Options.BackoffJitter)

	assert.Equal(t, 7, job.Priority)
	assert.Equal(t, 4, job.MaxAttempts())
	assert.Equal(t, jobs.BackoffLinear, job.Options.BackoffType)
	assert.Equal(t, jobs.StatusDelayed, job.Status)
}

func TestFacadeWorkerOptions_Applied(t *testing.T) {
	q, err := jobs.New(jobs.NewMemoryStorage(), "default")
	require.NoError(t, err)

	w := jobs.NewWorker(q,
		jobs.Concurrency(3),
		jobs.PollInterval(time.Second),
		jobs.LockDuration(time.Minute),
		jobs.ShutdownTimeout(5*time.Second),
		jobs.WorkerID("host-1"),
		jobs.WithAgentKey("agent-1"),
		jobs.WithScheduler(true),
		jobs.SchedulerOptions(scheduler.WithInterval(time.Second), scheduler.WithBatchSize(10)),
		jobs.WithStorageRetry(jobs.RetryConfig{MaxAttempts: 2}),
		jobs.WithDequeueRetry(jobs.RetryConfig{MaxAttempts: 1}),
	)
	cfg := w.Config()

	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.LockDuration)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "host-1", w.ID())
	assert.Equal(t, "agent-1", cfg.AgentKey)
	assert.True(t, cfg.EnableScheduler)
	assert.Len(t, cfg.SchedulerOptions, 2)
	assert.Equal(t, 2, cfg.StorageRetry.MaxAttempts)
	assert.Equal(t, 1, cfg.DequeueRetry.MaxAttempts)
}

func TestFacadeWorkerFactory_QueueNewWorker(t *testing.T) {
	q, err := jobs.New(jobs.NewMemoryStorage(), "default")
	require.NoError(t, err)

	starter := q.NewWorker(jobs.Concurrency(2), "ignored")
	w, ok := starter.(*jobs.Worker)
	require.True(t, ok)
	assert.Equal(t, 2, w.Config().Concurrency)
}

func TestFacadeRetryOptions(t *testing.T) {
	cfg := jobs.DefaultRetryConfig()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.NotNil(t, jobs.DisableRetry())
}

func TestFacadeQueueOptions(t *testing.T) {
	q, err := jobs.New(jobs.NewMemoryStorage(), "default",
		jobs.WithAgentQueue(agentqueue.NewMemory()),
		jobs.WithDefaults(jobs.Attempts(2)),
		jobs.WithMaintenance(jobs.Retention{Completed: time.Hour}),
		jobs.WithQueueLogger(nil),
	)
	require.NoError(t, err)

	assert.NotNil(t, q.AgentQueue())
	assert.NotNil(t, q.Maintenance())

	job, err := q.Add(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, job.MaxAttempts())
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

func TestFacadeScheduleBuilders(t *testing.T) {
	from := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC) // Monday

	assert.Equal(t, from.Add(time.Hour), jobs.Every(time.Hour).Next(from))
	assert.Equal(t, time.Date(2025, 1, 6, 9, 30, 0, 0, time.UTC), jobs.Daily(9, 30).Next(from))
	assert.Equal(t, time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC), jobs.Weekly(time.Wednesday, 12, 0).Next(from))
	assert.Equal(t, time.Date(2025, 1, 6, 8, 15, 0, 0, time.UTC), jobs.Cron("*/15 * * * *").Next(from))

	_, err := jobs.ParseSchedule("not a cron")
	assert.ErrorIs(t, err, jobs.ErrInvalidSchedule)
}

// ---------------------------------------------------------------------------
// Errors and security helpers
// ---------------------------------------------------------------------------

func TestFacadeErrorHelpers(t *testing.T) {
	base := errors.New("boom")

	var noRetry *jobs.NoRetryError
	assert.ErrorAs(t, jobs.NoRetry(base), &noRetry)
	assert.ErrorIs(t, jobs.NoRetry(base), base)

	var retryAfter *jobs.RetryAfterError
	require.ErrorAs(t, jobs.RetryAfter(time.Minute, base), &retryAfter)
	assert.Equal(t, time.Minute, retryAfter.Delay)
}

func TestFacadeCalculateBackoff(t *testing.T) {
	assert.Equal(t, 4*time.Second, jobs.CalculateBackoff(jobs.BackoffExponential, time.Second, 3, 0))
	assert.Equal(t, 2*time.Second, jobs.CalculateBackoff(jobs.BackoffExponential, time.Second, 3, 2*time.Second))
	assert.Zero(t, jobs.CalculateBackoff(jobs.BackoffNone, time.Second, 3, 0))
}

func TestFacadeSecurityHelpers(t *testing.T) {
	assert.NoError(t, jobs.ValidateJobName("send-email"))
	assert.ErrorIs(t, jobs.ValidateJobName(""), jobs.ErrInvalidJobName)
	assert.NoError(t, jobs.ValidateQueueName("critical"))
	assert.ErrorIs(t, jobs.ValidateQueueName(strings.Repeat("q", jobs.MaxQueueNameLength+1)), jobs.ErrQueueNameTooLong)

	assert.Equal(t, "ab", jobs.SanitizeErrorMessage("a\x00b"))
	assert.Equal(t, jobs.MaxAttempts, jobs.ClampAttempts(1_000_000))
	assert.Equal(t, 1, jobs.ClampConcurrency(-5))
}

// ---------------------------------------------------------------------------
// Handler context helpers
// ---------------------------------------------------------------------------

func TestFacadeContextHelpers_OutsideHandler(t *testing.T) {
	ctx := context.Background()

	assert.Nil(t, jobs.JobFromContext(ctx))
	assert.Empty(t, jobs.JobIDFromContext(ctx))
	assert.NoError(t, jobs.Progress(ctx, 50))
	assert.NoError(t, jobs.Log(ctx, "INFO", "ignored"))
}
