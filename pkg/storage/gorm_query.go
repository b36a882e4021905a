package storage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// Search returns jobs matching the filter with pagination and total count.
// Results are ordered by creation time, newest first unless page.Ascending.
func (s *GormStorage) Search(ctx context.Context, filter core.JobFilter, page core.Pagination) (*core.SearchResult, error) {
	page = page.Normalize()
	q := applyFilter(s.db.WithContext(ctx).Model(&core.Job{}), filter)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}

	order := "created_at DESC, id ASC"
	if page.Ascending {
		order = "created_at ASC, id ASC"
	}

	var jobs []*core.Job
	err := q.Order(order).
		Offset(page.Offset()).
		Limit(page.Limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}

	return &core.SearchResult{Jobs: jobs, Total: total, Page: page.Page, Limit: page.Limit}, nil
}

func applyFilter(q *gorm.DB, filter core.JobFilter) *gorm.DB {
	if filter.Queue != "" {
		q = q.Where("queue = ?", filter.Queue)
	}
	if filter.Name != "" {
		q = q.Where("name = ?", filter.Name)
	}
	if filter.AgentKey != "" {
		q = q.Where("agent_key = ?", filter.AgentKey)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	return q
}

// CountByStatus returns job counts per status for a queue ("" means all
// queues). Every requested status is present in the result, zero or not.
// With no statuses given, all statuses are counted.
func (s *GormStorage) CountByStatus(ctx context.Context, queue string, statuses ...core.JobStatus) (map[core.JobStatus]int64, error) {
	if len(statuses) == 0 {
		statuses = core.AllStatuses
	}

	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	q := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, count(*) as count").
		Where("status IN ?", statuses)
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	if err := q.Group("status").Find(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[core.JobStatus]int64, len(statuses))
	for _, st := range statuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[core.JobStatus(r.Status)] = r.Count
	}
	return counts, nil
}

// QueueCounts returns per-queue job counts grouped by status.
func (s *GormStorage) QueueCounts(ctx context.Context) (map[string]map[core.JobStatus]int64, error) {
	type row struct {
		Queue  string
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("queue, status, count(*) as count").
		Group("queue, status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make(map[string]map[core.JobStatus]int64)
	for _, r := range rows {
		qs, ok := result[r.Queue]
		if !ok {
			qs = make(map[core.JobStatus]int64)
			result[r.Queue] = qs
		}
		qs[core.JobStatus(r.Status)] += r.Count
	}
	return result, nil
}

// Clean deletes up to limit jobs in status whose finish time (or creation
// time, for unfinished jobs) is before olderThan. limit <= 0 removes all
// matches. Returns the number of deleted jobs.
func (s *GormStorage) Clean(ctx context.Context, queue string, olderThan time.Time, limit int, status core.JobStatus) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&core.Job{}).
			Where("status = ?", status).
			Where("COALESCE(finished_on, created_at) < ?", olderThan)
		if queue != "" {
			q = q.Where("queue = ?", queue)
		}
		if limit > 0 {
			q = q.Order("created_at ASC").Limit(limit)
		}

		var ids []string
		if err := q.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		result := tx.Where("id IN ?", ids).Delete(&core.Job{})
		removed = result.RowsAffected
		return result.Error
	})
	return removed, err
}
