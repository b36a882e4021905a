// Package worker provides the Worker job processor for the jobs package.
package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/durable-job-scheduler/pkg/scheduler"
	"github.com/jdziat/durable-job-scheduler/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// LockDuration is how long a claim stays valid without a heartbeat.
	LockDuration time.Duration
	// HeartbeatInterval defaults to a third of LockDuration.
	HeartbeatInterval time.Duration
	// ShutdownTimeout is how long in-flight handlers may keep running after
	// the worker context is cancelled before their contexts are cancelled too.
	ShutdownTimeout time.Duration
	WorkerID        string
	AgentKey        string

	EnableScheduler  bool
	SchedulerOptions []scheduler.Option

	StorageRetry *RetryConfig
	DequeueRetry *RetryConfig

	Logger *slog.Logger
}

// Concurrency sets how many jobs the worker runs at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// PollInterval sets how often the worker looks for new jobs when idle.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// LockDuration sets the claim lifetime renewed by heartbeats.
func LockDuration(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.LockDuration = d
		}
	})
}

// HeartbeatInterval sets how often held locks are extended.
// It must be shorter than the lock duration, otherwise the default is used.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.HeartbeatInterval = d
	})
}

// ShutdownTimeout bounds how long shutdown waits before cancelling
// in-flight handlers. Zero cancels them immediately.
func ShutdownTimeout(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d >= 0 {
			c.ShutdownTimeout = d
		}
	})
}

// WorkerID sets a stable worker identity, e.g. a host name.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if id != "" {
			c.WorkerID = id
		}
	})
}

// WithAgentKey makes the worker claim only jobs routed to key.
func WithAgentKey(key string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.AgentKey = key
	})
}

// WithScheduler runs a scheduler alongside the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// SchedulerOptions configures the embedded scheduler.
func SchedulerOptions(opts ...scheduler.Option) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.SchedulerOptions = append(c.SchedulerOptions, opts...)
	})
}

// WithLogger sets the worker logger. Defaults to the queue logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithStorageRetry sets the retry policy for completing, failing, and
// heartbeating jobs.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry sets the retry policy for claiming jobs.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// WithRetryAttempts sets the storage retry attempts, keeping other defaults.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = n
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes every storage call a single attempt.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		storage := DefaultRetryConfig()
		storage.MaxAttempts = 1
		dequeue := DefaultDequeueRetryConfig()
		dequeue.MaxAttempts = 1
		c.StorageRetry = &storage
		c.DequeueRetry = &dequeue
	})
}
