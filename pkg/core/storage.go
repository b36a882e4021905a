package core

import (
	"context"
	"time"
)

// Starter is the interface for long-running components with a Start loop.
type Starter interface {
	Start(ctx context.Context) error
}

// Expect is the pre-image a conditional save is checked against.
// A save succeeds only if the stored row still has this status and lock owner.
type Expect struct {
	Status   JobStatus
	LockedBy string
}

// JobFilter narrows a Search. Zero values match everything.
type JobFilter struct {
	Queue    string
	Name     string
	AgentKey string
	Statuses []JobStatus
}

// Pagination selects a page of results. Page is 1-based.
// Results are ordered by creation time, newest first unless Ascending.
type Pagination struct {
	Page      int
	Limit     int
	Ascending bool
}

// Normalize fills in defaults and clamps the limit.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 50
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}
	return p
}

// Offset returns the row offset for the page.
func (p Pagination) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}

// SearchResult is one page of jobs plus the total match count.
type SearchResult struct {
	Jobs  []*Job
	Total int64
	Page  int
	Limit int
}

// Repository defines the persistence layer for jobs.
//
// Every status transition goes through AcquireLock or CompareAndSave so that
// concurrent workers and schedulers never overwrite each other's outcome.
// Lookups return (nil, nil) when a record does not exist.
type Repository interface {
	// Migrate creates the necessary tables.
	Migrate(ctx context.Context) error

	// Job persistence
	FindByID(ctx context.Context, id string) (*Job, error)
	FindByIDs(ctx context.Context, ids []string) (found []*Job, missing []string, err error)
	Save(ctx context.Context, job *Job) error
	SaveBatch(ctx context.Context, jobs []*Job) error
	Delete(ctx context.Context, id string) error

	// Locking and conditional updates
	AcquireLock(ctx context.Context, id, workerID string, lockUntil, now time.Time) (bool, error)
	// ReleaseLock undoes an AcquireLock whose claim could not be finished.
	// It only clears a lock workerID still holds on a PENDING job.
	ReleaseLock(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	CompareAndSave(ctx context.Context, job *Job, expect Expect) (bool, error)

	// Scheduling queries. FindNextJobsToProcess never returns jobs of
	// paused queues.
	FindNextJobsToProcess(ctx context.Context, queue string, now time.Time, limit int) ([]*Job, error)
	FindDelayedJobsToPromote(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	FindStalledJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	FindWaitingJobs(ctx context.Context, limit int) ([]*Job, error)

	// Queries
	Search(ctx context.Context, filter JobFilter, page Pagination) (*SearchResult, error)
	CountByStatus(ctx context.Context, queue string, statuses ...JobStatus) (map[JobStatus]int64, error)
	Clean(ctx context.Context, queue string, olderThan time.Time, limit int, status JobStatus) (int64, error)

	// Queue pause operations
	PauseQueue(ctx context.Context, queue string) error
	UnpauseQueue(ctx context.Context, queue string) error
	IsQueuePaused(ctx context.Context, queue string) (bool, error)
	GetPausedQueues(ctx context.Context) ([]string, error)

	// Repeatable schedules
	SaveSchedule(ctx context.Context, s *RepeatableSchedule) error
	FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]*RepeatableSchedule, error)
	AdvanceSchedule(ctx context.Context, s *RepeatableSchedule, next, lastRun time.Time) (bool, error)
	DeleteSchedule(ctx context.Context, queue, name string) error
	ListSchedules(ctx context.Context, queue string) ([]*RepeatableSchedule, error)
}
