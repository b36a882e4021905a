package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/queue"
	"github.com/jdziat/durable-job-scheduler/pkg/storage"
)

// ─── Retry configuration ────────────────────────────────────────────────────

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 0.1, cfg.JitterFraction)
}

func TestDefaultDequeueRetryConfig(t *testing.T) {
	cfg := DefaultDequeueRetryConfig()

	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)
	assert.Greater(t, cfg.MaxBackoff, DefaultRetryConfig().MaxBackoff)
}

func TestRetryConfig_PolicyFollowsJobBackoff(t *testing.T) {
	p := RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        30 * time.Millisecond,
		BackoffMultiplier: 2,
	}.policy()

	require.NoError(t, p.Validate())
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 30*time.Millisecond, p.Delay(3))
	assert.True(t, p.ShouldRetry(3))
	assert.False(t, p.ShouldRetry(4))
}

func TestRetryWithBackoff_Outcomes(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}
	transient := errors.New("connection reset")

	tests := []struct {
		name     string
		failures int
		err      error
		wantErr  error
		wantRuns int
	}{
		{"first call succeeds", 0, nil, nil, 1},
		{"recovers after transient errors", 2, transient, nil, 3},
		{"gives up after max attempts", 5, transient, transient, 3},
		{"rejected input is not repeated", 5, fmt.Errorf("fetch: %w", core.ErrInvalidOptions), core.ErrInvalidOptions, 1},
		{"cancellation is not repeated", 5, context.Canceled, context.Canceled, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := 0
			err := retryWithBackoff(context.Background(), cfg, func() error {
				runs++
				if runs <= tt.failures {
					return tt.err
				}
				return nil
			})
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantRuns, runs)
		})
	}
}

func TestRetryWithBackoff_CancelledWhileWaiting(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffMultiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := retryWithBackoff(ctx, cfg, func() error {
		runs.Add(1)
		return errors.New("keep failing")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), runs.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context.Canceled", context.Canceled, false},
		{"wrapped deadline", fmt.Errorf("load job: %w", context.DeadlineExceeded), false},
		{"repository failure", errors.New("database is locked"), true},
		{"invalid options", fmt.Errorf("fetch: %w", core.ErrInvalidOptions), false},
		{"invalid agent key", core.ErrInvalidAgentKey, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableError(tt.err))
		})
	}
}

// ─── Dequeue retries ────────────────────────────────────────────────────────

// outageStorage fails the first reads of the claim path, the way a
// database does while it restarts.
type outageStorage struct {
	*storage.MemoryStorage
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *outageStorage) GetPausedQueues(ctx context.Context) ([]string, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return s.MemoryStorage.GetPausedQueues(ctx)
}

func newOutageWorker(t *testing.T, failures int32, cfg RetryConfig, opts ...WorkerOption) (*Worker, *queue.Queue, *outageStorage) {
	t.Helper()
	repo := &outageStorage{MemoryStorage: storage.NewMemoryStorage()}
	repo.failures.Store(failures)

	q, err := queue.New(repo, "work")
	require.NoError(t, err)
	return NewWorker(q, append([]WorkerOption{WorkerID("w1"), WithDequeueRetry(cfg)}, opts...)...), q, repo
}

func TestFetchWithRetry_RidesOutStorageOutage(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}
	w, q, repo := newOutageWorker(t, 2, cfg)

	added, err := q.Add(context.Background(), "task", nil)
	require.NoError(t, err)

	job, err := w.fetchWithRetry(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, added.ID, job.ID)
	assert.Equal(t, core.StatusActive, job.Status)
	assert.Equal(t, int32(3), repo.calls.Load())
}

func TestFetchWithRetry_GivesUpAndLeavesJobPending(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}
	w, q, repo := newOutageWorker(t, 5, cfg)

	added, err := q.Add(context.Background(), "task", nil)
	require.NoError(t, err)

	job, err := w.fetchWithRetry(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Nil(t, job)
	assert.Equal(t, int32(2), repo.calls.Load())

	stored, err := q.GetJob(context.Background(), added.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Empty(t, stored.LockedBy)
}

func TestFetchWithRetry_MissingAgentQueueIsNotRetried(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}
	w, _, repo := newOutageWorker(t, 0, cfg, WithAgentKey("agent-a"))

	_, err := w.fetchWithRetry(context.Background())
	assert.ErrorIs(t, err, core.ErrInvalidAgentKey)
	assert.Equal(t, int32(1), repo.calls.Load())
}

// ─── Options ────────────────────────────────────────────────────────────────

func TestWithStorageRetry_Option(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 200 * time.Millisecond,
	}

	workerCfg := WorkerConfig{}
	WithStorageRetry(cfg).ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.StorageRetry)
	assert.Equal(t, 10, workerCfg.StorageRetry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, workerCfg.StorageRetry.InitialBackoff)
}

func TestWithDequeueRetry_Option(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
	}

	workerCfg := WorkerConfig{}
	WithDequeueRetry(cfg).ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.DequeueRetry)
	assert.Equal(t, 3, workerCfg.DequeueRetry.MaxAttempts)
	assert.Equal(t, 1*time.Second, workerCfg.DequeueRetry.InitialBackoff)
}

func TestWithRetryAttempts_Option(t *testing.T) {
	workerCfg := WorkerConfig{}
	WithRetryAttempts(7).ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.StorageRetry)
	assert.Equal(t, 7, workerCfg.StorageRetry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, workerCfg.StorageRetry.InitialBackoff)
}

func TestDisableRetry_Option(t *testing.T) {
	workerCfg := WorkerConfig{}
	DisableRetry().ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.StorageRetry)
	require.NotNil(t, workerCfg.DequeueRetry)
	assert.Equal(t, 1, workerCfg.StorageRetry.MaxAttempts)
	assert.Equal(t, 1, workerCfg.DequeueRetry.MaxAttempts)
}
