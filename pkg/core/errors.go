package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrInvalidJobName    = errors.New("jobs: invalid job name (must be alphanumeric, start with letter)")
	ErrJobNameTooLong    = errors.New("jobs: job name too long")
	ErrInvalidQueueName  = errors.New("jobs: invalid queue name")
	ErrQueueNameTooLong  = errors.New("jobs: queue name too long")
	ErrPayloadTooLarge   = errors.New("jobs: job payload exceeds size limit")
	ErrInvalidOptions    = errors.New("jobs: invalid job options")
	ErrInvalidAgentKey   = errors.New("jobs: invalid agent key")
	ErrInvalidSchedule   = errors.New("jobs: invalid schedule")
	ErrDuplicateJob      = errors.New("jobs: job with this id already exists")
	ErrJobNotFound       = errors.New("jobs: job not found")
	ErrScheduleNotFound  = errors.New("jobs: repeatable schedule not found")
	ErrInvalidTransition = errors.New("jobs: invalid status transition")
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// PanicError is returned by a worker when a handler panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// StackTrace returns the goroutine stack captured at the panic.
func (e *PanicError) StackTrace() string {
	return e.Stack
}
