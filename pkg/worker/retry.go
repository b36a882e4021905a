package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// RetryConfig describes how the worker retries its own storage calls
// (claims, heartbeats, outcome reports) when the repository fails.
// Job retries are governed by each job's RetryPolicy instead.
type RetryConfig struct {
	// MaxAttempts counts the first call. 1 disables retrying.
	MaxAttempts int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// JitterFraction shortens each wait by a random share of up to this
	// fraction (0.0 to 1.0).
	JitterFraction float64
}

// DefaultRetryConfig is used for outcome reports and heartbeats.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// DefaultDequeueRetryConfig backs off longer than DefaultRetryConfig so
// polling does not hammer the database during an outage.
func DefaultDequeueRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// policy expresses the config as an exponential job-style retry policy, so
// worker-side waits follow the same backoff math as job retries.
func (c RetryConfig) policy() core.RetryPolicy {
	return core.RetryPolicy{
		Type:        core.BackoffExponential,
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.InitialBackoff,
		MaxDelay:    c.MaxBackoff,
		Multiplier:  c.BackoffMultiplier,
		Jitter:      c.JitterFraction,
	}
}

// retryWithBackoff calls operation until it succeeds, returns an error
// IsRetryableError rejects, or the attempts run out. The last error is
// returned; a cancelled ctx ends the wait early with ctx.Err().
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	p := config.policy()

	for attempt := 1; ; attempt++ {
		err := operation()
		if err == nil || !IsRetryableError(err) || !p.ShouldRetry(attempt) {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsRetryableError reports whether a storage call is worth repeating.
// Repository failures are assumed transient; cancellations and rejected
// input fail the same way every time.
func IsRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrInvalidOptions), errors.Is(err, core.ErrInvalidAgentKey):
		return false
	}
	return true
}
