// Package storage provides storage implementations for the jobs package.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// GormStorage implements core.Repository using GORM.
type GormStorage struct {
	db       *gorm.DB
	isSQLite bool
}

var _ core.Repository = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	s := &GormStorage{db: db}
	if db != nil && db.Dialector != nil {
		s.isSQLite = db.Dialector.Name() == "sqlite"
	}
	return s
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
// SQLite has no row-level locking, so candidate selection skips SKIP LOCKED.
func (s *GormStorage) IsSQLite() bool {
	return s.isSQLite
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{}, &core.QueueState{}, &core.RepeatableSchedule{})
}

// FindByID retrieves a job by ID. Returns nil when the job does not exist.
func (s *GormStorage) FindByID(ctx context.Context, id string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FindByIDs loads the given jobs and reports which ids were not found.
// Missing ids keep the order they were requested in.
func (s *GormStorage) FindByIDs(ctx context.Context, ids []string) ([]*core.Job, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	var found []*core.Job
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&found).Error; err != nil {
		return nil, nil, err
	}

	seen := make(map[string]struct{}, len(found))
	for _, j := range found {
		seen[j.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

// Save inserts the job or overwrites every column of an existing row.
func (s *GormStorage) Save(ctx context.Context, job *core.Job) error {
	prepareJob(job)
	return s.db.WithContext(ctx).Save(job).Error
}

// SaveBatch saves several jobs in one transaction.
func (s *GormStorage) SaveBatch(ctx context.Context, jobs []*core.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, job := range jobs {
			prepareJob(job)
			if err := tx.Save(job).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete permanently removes a job.
func (s *GormStorage) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&core.Job{}).Error
}

// AcquireLock atomically locks a PENDING job for workerID. It succeeds only
// if the job is unlocked or its previous lock has expired.
func (s *GormStorage) AcquireLock(ctx context.Context, id, workerID string, lockUntil, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", id, core.StatusPending).
		Where("(locked_by = '' OR lock_expires_at IS NULL OR lock_expires_at < ?)", now).
		Updates(map[string]any{
			"locked_by":       workerID,
			"lock_expires_at": lockUntil,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseLock clears the lock workerID holds on a PENDING job.
func (s *GormStorage) ReleaseLock(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	if workerID == "" {
		return false, nil
	}
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, core.StatusPending, workerID).
		Updates(map[string]any{
			"locked_by":       "",
			"lock_expires_at": nil,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CompareAndSave writes every column of job, but only if the stored row
// still matches expect. Returns false when another actor changed it first.
func (s *GormStorage) CompareAndSave(ctx context.Context, job *core.Job, expect core.Expect) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(job).
		Where("status = ? AND locked_by = ?", expect.Status, expect.LockedBy).
		Select("*").
		Omit("id", "created_at").
		Updates(job)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FindNextJobsToProcess returns claimable PENDING jobs ordered by priority
// (highest first), then creation time, then id. Jobs of paused queues are
// excluded in the query so they cannot crowd out the limit.
func (s *GormStorage) FindNextJobsToProcess(ctx context.Context, queue string, now time.Time, limit int) ([]*core.Job, error) {
	paused := s.db.WithContext(ctx).
		Model(&core.QueueState{}).
		Select("queue").
		Where("paused = ?", true)

	q := s.db.WithContext(ctx).
		Where("status = ?", core.StatusPending).
		Where("(locked_by = '' OR lock_expires_at IS NULL OR lock_expires_at < ?)", now).
		Where("queue NOT IN (?)", paused)
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	if !s.isSQLite {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var jobList []*core.Job
	err := q.Order("priority DESC, created_at ASC, id ASC").
		Limit(normalizeLimit(limit)).
		Find(&jobList).Error
	return jobList, err
}

// FindDelayedJobsToPromote returns DELAYED jobs whose ProcessAt has passed.
func (s *GormStorage) FindDelayedJobsToPromote(ctx context.Context, now time.Time, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusDelayed).
		Where("process_at IS NOT NULL AND process_at <= ?", now).
		Order("process_at ASC, id ASC").
		Limit(normalizeLimit(limit)).
		Find(&jobList).Error
	return jobList, err
}

// FindStalledJobs returns ACTIVE jobs whose lock expired before now.
func (s *GormStorage) FindStalledJobs(ctx context.Context, now time.Time, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusActive).
		Where("lock_expires_at IS NOT NULL AND lock_expires_at < ?", now).
		Order("lock_expires_at ASC, id ASC").
		Limit(normalizeLimit(limit)).
		Find(&jobList).Error
	return jobList, err
}

// FindWaitingJobs returns jobs gated on dependencies, oldest first.
func (s *GormStorage) FindWaitingJobs(ctx context.Context, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusWaitingChildren).
		Order("created_at ASC, id ASC").
		Limit(normalizeLimit(limit)).
		Find(&jobList).Error
	return jobList, err
}

// PauseQueue marks a queue as paused. Pausing a paused queue is a no-op.
func (s *GormStorage) PauseQueue(ctx context.Context, queue string) error {
	now := time.Now()
	state := core.QueueState{Queue: queue, Paused: true, PausedAt: &now}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue"}},
		DoUpdates: clause.Assignments(map[string]any{"paused": true, "paused_at": now, "updated_at": now}),
	}).Create(&state).Error
}

// UnpauseQueue clears the paused flag of a queue.
func (s *GormStorage) UnpauseQueue(ctx context.Context, queue string) error {
	return s.db.WithContext(ctx).
		Model(&core.QueueState{}).
		Where("queue = ?", queue).
		Updates(map[string]any{"paused": false, "paused_at": nil}).Error
}

// IsQueuePaused reports whether the queue is paused. Unknown queues are not paused.
func (s *GormStorage) IsQueuePaused(ctx context.Context, queue string) (bool, error) {
	var state core.QueueState
	err := s.db.WithContext(ctx).First(&state, "queue = ?", queue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Paused, nil
}

// GetPausedQueues returns the names of all paused queues.
func (s *GormStorage) GetPausedQueues(ctx context.Context) ([]string, error) {
	var queues []string
	err := s.db.WithContext(ctx).
		Model(&core.QueueState{}).
		Where("paused = ?", true).
		Order("queue ASC").
		Pluck("queue", &queues).Error
	return queues, err
}

func prepareJob(job *core.Job) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.Queue == "" {
		job.Queue = "default"
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
