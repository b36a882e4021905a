package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// SaveSchedule creates or replaces the repeatable schedule identified by
// (Queue, Name). An existing schedule keeps its ID and creation time.
func (s *GormStorage) SaveSchedule(ctx context.Context, rs *core.RepeatableSchedule) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing core.RepeatableSchedule
		err := tx.Where("queue = ? AND name = ?", rs.Queue, rs.Name).First(&existing).Error
		switch {
		case err == nil:
			rs.ID = existing.ID
			rs.CreatedAt = existing.CreatedAt
			rs.Revision = existing.Revision + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			if rs.ID == "" {
				rs.ID = uuid.New().String()
			}
		default:
			return err
		}
		return tx.Save(rs).Error
	})
}

// FindDueSchedules returns enabled schedules whose NextRunAt has passed.
func (s *GormStorage) FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]*core.RepeatableSchedule, error) {
	var list []*core.RepeatableSchedule
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_run_at <= ?", now).
		Order("next_run_at ASC, id ASC").
		Limit(normalizeLimit(limit)).
		Find(&list).Error
	return list, err
}

// AdvanceSchedule moves NextRunAt forward if nobody advanced rs since it was
// loaded. On success rs reflects the stored row.
func (s *GormStorage) AdvanceSchedule(ctx context.Context, rs *core.RepeatableSchedule, next, lastRun time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.RepeatableSchedule{}).
		Where("id = ? AND revision = ?", rs.ID, rs.Revision).
		Updates(map[string]any{
			"next_run_at": next,
			"last_run_at": lastRun,
			"revision":    rs.Revision + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	rs.NextRunAt = next
	rs.LastRunAt = &lastRun
	rs.Revision++
	return true, nil
}

// DeleteSchedule removes the schedule identified by queue and name.
func (s *GormStorage) DeleteSchedule(ctx context.Context, queue, name string) error {
	result := s.db.WithContext(ctx).
		Where("queue = ? AND name = ?", queue, name).
		Delete(&core.RepeatableSchedule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrScheduleNotFound
	}
	return nil
}

// ListSchedules returns the schedules of a queue ("" means all queues).
func (s *GormStorage) ListSchedules(ctx context.Context, queue string) ([]*core.RepeatableSchedule, error) {
	q := s.db.WithContext(ctx).Order("queue ASC, name ASC")
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	var list []*core.RepeatableSchedule
	err := q.Find(&list).Error
	return list, err
}
