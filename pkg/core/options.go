package core

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Defaults applied to job options when the producer leaves them unset.
const (
	DefaultMaxAttempts  = 1
	DefaultBackoffDelay = time.Second
)

// JobOptions holds the persisted retry and dependency settings of a job.
type JobOptions struct {
	MaxAttempts       int         `gorm:"not null;default:1"`
	BackoffType       BackoffType `gorm:"size:20;not null;default:'fixed'"`
	BackoffDelayMs    int64       `gorm:"not null;default:0"`
	BackoffMaxDelayMs *int64
	BackoffFunc       string  `gorm:"size:255"`
	BackoffJitter     float64 `gorm:"not null;default:0"`
	DependsOnJobIDs   datatypes.JSONSlice[string]
}

// DefaultJobOptions returns options for a single attempt with fixed backoff.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		MaxAttempts:    DefaultMaxAttempts,
		BackoffType:    BackoffFixed,
		BackoffDelayMs: DefaultBackoffDelay.Milliseconds(),
	}
}

// Validate checks the options for internal consistency.
func (o JobOptions) Validate() error {
	if o.MaxAttempts < 1 {
		return fmt.Errorf("%w: attempts must be at least 1", ErrInvalidOptions)
	}
	if !o.BackoffType.Valid() {
		return fmt.Errorf("%w: unknown backoff type %q", ErrInvalidOptions, o.BackoffType)
	}
	if o.BackoffDelayMs < 0 {
		return fmt.Errorf("%w: backoff delay must not be negative", ErrInvalidOptions)
	}
	if o.BackoffMaxDelayMs != nil && *o.BackoffMaxDelayMs < 0 {
		return fmt.Errorf("%w: backoff max delay must not be negative", ErrInvalidOptions)
	}
	if o.BackoffJitter < 0 || o.BackoffJitter > 1 {
		return fmt.Errorf("%w: backoff jitter must be between 0 and 1", ErrInvalidOptions)
	}
	if o.BackoffType == BackoffCustom && o.BackoffFunc == "" {
		return fmt.Errorf("%w: custom backoff requires a function name", ErrInvalidOptions)
	}
	seen := make(map[string]struct{}, len(o.DependsOnJobIDs))
	for _, id := range o.DependsOnJobIDs {
		if id == "" {
			return fmt.Errorf("%w: empty dependency id", ErrInvalidOptions)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate dependency id %s", ErrInvalidOptions, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// BackoffDelay returns the base backoff delay.
func (o JobOptions) BackoffDelay() time.Duration {
	return time.Duration(o.BackoffDelayMs) * time.Millisecond
}

// BackoffMaxDelay returns the backoff cap, or zero when uncapped.
func (o JobOptions) BackoffMaxDelay() time.Duration {
	if o.BackoffMaxDelayMs == nil {
		return 0
	}
	return time.Duration(*o.BackoffMaxDelayMs) * time.Millisecond
}

// RetryPolicy converts the persisted options into a RetryPolicy.
func (o JobOptions) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		Type:        o.BackoffType,
		MaxAttempts: o.MaxAttempts,
		BaseDelay:   o.BackoffDelay(),
		MaxDelay:    o.BackoffMaxDelay(),
		Multiplier:  DefaultBackoffMultiplier,
		Jitter:      o.BackoffJitter,
	}
}
