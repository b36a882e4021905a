// Package core provides the domain models and interfaces for the jobs package.
package core

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending         JobStatus = "pending"
	StatusActive          JobStatus = "active"
	StatusDelayed         JobStatus = "delayed"
	StatusWaitingChildren JobStatus = "waiting_children" // Gated on dependency jobs
	StatusCompleted       JobStatus = "completed"
	StatusFailed          JobStatus = "failed"
)

// AllStatuses lists every job status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusActive,
	StatusDelayed,
	StatusWaitingChildren,
	StatusCompleted,
	StatusFailed,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// LogEntry is a single worker-reported log line.
type LogEntry struct {
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// Job represents a unit of work tracked from submission to a terminal outcome.
type Job struct {
	ID           string     `gorm:"primaryKey;size:36"`
	Queue        string     `gorm:"index;size:255;not null;default:'default'"`
	Name         string     `gorm:"index;size:255"`
	Payload      []byte     `gorm:"type:bytes"`
	Status       JobStatus  `gorm:"index;size:20;not null;default:'pending'"`
	Priority     int        `gorm:"index;default:0"`
	AttemptsMade int        `gorm:"not null;default:0"`
	Options      JobOptions `gorm:"embedded"`
	AgentKey     string     `gorm:"index;size:255"`

	// Lock fields are only populated while the job is active.
	LockedBy      string     `gorm:"size:255;not null;default:''"`
	LockExpiresAt *time.Time `gorm:"index"`

	ProcessAt *time.Time `gorm:"index"`

	Result       []byte `gorm:"type:bytes"`
	FailedReason string `gorm:"type:text"`
	Stacktrace   string `gorm:"type:text"`

	Progress datatypes.JSON
	Logs     datatypes.JSONSlice[LogEntry]

	ProcessedOn *time.Time
	FinishedOn  *time.Time
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// NewJob builds a job in its initial state. The initial status is
// WAITING_CHILDREN when dependencies are declared, DELAYED when delay > 0,
// and PENDING otherwise.
func NewJob(id, queue, name string, payload []byte, opts JobOptions, delay time.Duration, now time.Time) (*Job, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if delay < 0 {
		return nil, fmt.Errorf("%w: negative delay", ErrInvalidOptions)
	}
	if delay > 0 && len(opts.DependsOnJobIDs) > 0 {
		return nil, fmt.Errorf("%w: delay and dependencies cannot be combined", ErrInvalidOptions)
	}

	job := &Job{
		ID:        id,
		Queue:     queue,
		Name:      name,
		Payload:   payload,
		Status:    StatusPending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch {
	case len(opts.DependsOnJobIDs) > 0:
		job.Status = StatusWaitingChildren
	case delay > 0:
		at := now.Add(delay)
		job.Status = StatusDelayed
		job.ProcessAt = &at
	}
	return job, nil
}

// MaxAttempts returns the configured attempt budget.
func (j *Job) MaxAttempts() int {
	return j.Options.MaxAttempts
}

// CanRetry reports whether another attempt is permitted.
func (j *Job) CanRetry() bool {
	return j.RetryPolicy().ShouldRetry(j.AttemptsMade)
}

// RetryPolicy builds the retry policy from the job options.
func (j *Job) RetryPolicy() RetryPolicy {
	return j.Options.RetryPolicy()
}

// IsLocked reports whether the job holds an unexpired lock at now.
func (j *Job) IsLocked(now time.Time) bool {
	return j.LockedBy != "" && j.LockExpiresAt != nil && j.LockExpiresAt.After(now)
}

// OwnedBy reports whether workerID currently holds the processing lock.
// Expiry is not consulted: a worker whose lock lapsed keeps ownership until
// the scheduler reclaims the job.
func (j *Job) OwnedBy(workerID string) bool {
	return workerID != "" && j.Status == StatusActive && j.LockedBy == workerID
}

// MoveToActive claims the job for workerID and counts an attempt.
func (j *Job) MoveToActive(workerID string, lockUntil, now time.Time) error {
	if j.Status != StatusPending {
		return fmt.Errorf("%w: cannot activate job %s from %s", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = StatusActive
	j.LockedBy = workerID
	j.LockExpiresAt = &lockUntil
	j.ProcessAt = nil
	j.ProcessedOn = &now
	j.AttemptsMade++
	j.UpdatedAt = now
	return nil
}

// ExtendLock moves the lock expiry forward. Returns false unless workerID owns the job.
func (j *Job) ExtendLock(workerID string, lockUntil, now time.Time) bool {
	if !j.OwnedBy(workerID) {
		return false
	}
	j.LockExpiresAt = &lockUntil
	j.UpdatedAt = now
	return true
}

// MarkCompleted stores the result and releases the lock.
func (j *Job) MarkCompleted(result []byte, now time.Time) error {
	if j.Status != StatusActive {
		return fmt.Errorf("%w: cannot complete job %s from %s", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = StatusCompleted
	j.Result = result
	j.FailedReason = ""
	j.Stacktrace = ""
	j.FinishedOn = &now
	j.UpdatedAt = now
	j.releaseLock()
	return nil
}

// MoveToDelayed schedules a retry at processAt and releases the lock.
func (j *Job) MoveToDelayed(processAt time.Time, reason string, now time.Time) {
	j.Status = StatusDelayed
	j.ProcessAt = &processAt
	if reason != "" {
		j.FailedReason = reason
	}
	j.ProcessedOn = nil
	j.UpdatedAt = now
	j.releaseLock()
}

// MarkFailed moves the job to the terminal FAILED state.
func (j *Job) MarkFailed(reason, stacktrace string, now time.Time) {
	j.Status = StatusFailed
	j.FailedReason = reason
	j.Stacktrace = stacktrace
	j.ProcessAt = nil
	j.FinishedOn = &now
	j.UpdatedAt = now
	j.releaseLock()
}

// PromoteToPending moves a DELAYED or WAITING_CHILDREN job to PENDING.
// Returns false from any other status.
func (j *Job) PromoteToPending(now time.Time) bool {
	if j.Status != StatusDelayed && j.Status != StatusWaitingChildren {
		return false
	}
	j.Status = StatusPending
	j.ProcessAt = nil
	j.UpdatedAt = now
	j.releaseLock()
	return true
}

// UpdateProgress records worker-reported progress. Terminal jobs are left untouched.
func (j *Job) UpdateProgress(progress any, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	j.Progress = datatypes.JSON(raw)
	j.UpdatedAt = now
	return nil
}

// AddLog appends a log line. Logs are allowed in any status.
func (j *Job) AddLog(message, level string, now time.Time) {
	if level == "" {
		level = "INFO"
	}
	j.Logs = append(j.Logs, LogEntry{Message: message, Level: level, Timestamp: now})
	j.UpdatedAt = now
}

// Expectation returns the pre-image used for a conditional save.
func (j *Job) Expectation() Expect {
	return Expect{Status: j.Status, LockedBy: j.LockedBy}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneBytes(j.Payload)
	c.Result = cloneBytes(j.Result)
	c.Progress = datatypes.JSON(cloneBytes(j.Progress))
	if j.Logs != nil {
		c.Logs = append(datatypes.JSONSlice[LogEntry](nil), j.Logs...)
	}
	if j.Options.DependsOnJobIDs != nil {
		c.Options.DependsOnJobIDs = append(datatypes.JSONSlice[string](nil), j.Options.DependsOnJobIDs...)
	}
	if j.Options.BackoffMaxDelayMs != nil {
		v := *j.Options.BackoffMaxDelayMs
		c.Options.BackoffMaxDelayMs = &v
	}
	c.LockExpiresAt = cloneTime(j.LockExpiresAt)
	c.ProcessAt = cloneTime(j.ProcessAt)
	c.ProcessedOn = cloneTime(j.ProcessedOn)
	c.FinishedOn = cloneTime(j.FinishedOn)
	return &c
}

func (j *Job) releaseLock() {
	j.LockedBy = ""
	j.LockExpiresAt = nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
