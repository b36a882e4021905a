package core

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffType selects how the delay between attempts grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
	BackoffNone        BackoffType = "none"
	// BackoffCustom delegates to a named function registered with the
	// processing service. Functions are not persisted, only their name.
	BackoffCustom BackoffType = "custom"
)

// DefaultBackoffMultiplier is the growth factor for exponential backoff.
const DefaultBackoffMultiplier = 2.0

// Valid reports whether t is a known backoff type.
func (t BackoffType) Valid() bool {
	switch t {
	case BackoffFixed, BackoffLinear, BackoffExponential, BackoffNone, BackoffCustom:
		return true
	}
	return false
}

// BackoffFunc computes a retry delay for a custom backoff strategy.
// A negative return value means the job must not be retried.
type BackoffFunc func(attemptsMade int, err error) time.Duration

// CalculateBackoff returns the delay before the next attempt. attemptsMade is
// the number of attempts already made; maxDelay <= 0 means no cap. The
// result is never negative and always a whole number of milliseconds.
func CalculateBackoff(t BackoffType, base time.Duration, attemptsMade int, maxDelay time.Duration) time.Duration {
	return calculate(t, base, attemptsMade, maxDelay, DefaultBackoffMultiplier)
}

func calculate(t BackoffType, base time.Duration, attemptsMade int, maxDelay time.Duration, multiplier float64) time.Duration {
	if base < 0 {
		base = 0
	}
	if multiplier <= 0 {
		multiplier = DefaultBackoffMultiplier
	}

	var delay time.Duration
	switch t {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		if attemptsMade < 0 {
			attemptsMade = 0
		}
		delay = time.Duration(float64(attemptsMade) * float64(base))
	case BackoffExponential:
		if attemptsMade < 1 {
			attemptsMade = 1
		}
		f := float64(base) * math.Pow(multiplier, float64(attemptsMade-1))
		if f >= math.MaxInt64 || math.IsInf(f, 0) {
			delay = time.Duration(math.MaxInt64)
		} else {
			delay = time.Duration(f)
		}
	default:
		return 0
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay.Round(time.Millisecond)
}

// RetryPolicy binds a backoff strategy to an attempt budget.
type RetryPolicy struct {
	Type        BackoffType
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means uncapped
	Multiplier  float64       // exponential only; zero means DefaultBackoffMultiplier
	// Jitter shortens each delay by a random share of up to Jitter (0..1).
	// Zero keeps delays deterministic.
	Jitter float64
}

// NewRetryPolicy validates and builds a RetryPolicy.
func NewRetryPolicy(t BackoffType, maxAttempts int, base, maxDelay time.Duration) (RetryPolicy, error) {
	p := RetryPolicy{
		Type:        t,
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		Multiplier:  DefaultBackoffMultiplier,
	}
	return p, p.Validate()
}

// Validate checks that all values are non-negative and the type is known.
func (p RetryPolicy) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown backoff type %q", ErrInvalidOptions, p.Type)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative", ErrInvalidOptions)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("%w: backoff delays must not be negative", ErrInvalidOptions)
	}
	if p.Multiplier < 0 {
		return fmt.Errorf("%w: backoff multiplier must not be negative", ErrInvalidOptions)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("%w: backoff jitter must be between 0 and 1", ErrInvalidOptions)
	}
	return nil
}

// ShouldRetry reports whether another attempt is allowed after attemptsMade.
func (p RetryPolicy) ShouldRetry(attemptsMade int) bool {
	if p.Type == BackoffNone {
		return false
	}
	return attemptsMade < p.MaxAttempts
}

// Delay returns the wait before the attempt following attemptsMade.
func (p RetryPolicy) Delay(attemptsMade int) time.Duration {
	return ApplyJitter(calculate(p.Type, p.BaseDelay, attemptsMade, p.MaxDelay, p.Multiplier), p.Jitter)
}

// ApplyJitter returns d reduced by a random share in [0, fraction). The
// result stays within [d*(1-fraction), d], so a capped delay never grows
// past its cap. fraction <= 0 returns d unchanged; fraction > 1 counts as 1.
func ApplyJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	fraction = min(fraction, 1)
	cut := time.Duration(float64(d) * fraction * rand.Float64())
	return (d - cut).Round(time.Millisecond)
}
