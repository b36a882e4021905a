package stats

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStorage implements Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

var _ Storage = (*GormStorage)(nil)

// NewGormStorage creates a GORM-backed stats storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

func (s *GormStorage) MigrateStats(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&JobStat{})
}

// AddCounters adds c to the bucket containing ts, creating it if needed.
func (s *GormStorage) AddCounters(ctx context.Context, queue string, ts time.Time, c Counters) error {
	row := JobStat{
		Queue:     queue,
		Timestamp: ts.UTC().Truncate(Bucket),
		Added:     c.Added,
		Completed: c.Completed,
		Failed:    c.Failed,
		Retried:   c.Retried,
		Stalled:   c.Stalled,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "queue"}, {Name: "timestamp"}},
		DoUpdates: clause.Assignments(map[string]any{
			"added":     gorm.Expr("job_stats.added + ?", c.Added),
			"completed": gorm.Expr("job_stats.completed + ?", c.Completed),
			"failed":    gorm.Expr("job_stats.failed + ?", c.Failed),
			"retried":   gorm.Expr("job_stats.retried + ?", c.Retried),
			"stalled":   gorm.Expr("job_stats.stalled + ?", c.Stalled),
		}),
	}).Create(&row).Error
}

// SnapshotDepth overwrites the depth columns of the bucket containing ts.
func (s *GormStorage) SnapshotDepth(ctx context.Context, queue string, ts time.Time, d Depth) error {
	row := JobStat{
		Queue:     queue,
		Timestamp: ts.UTC().Truncate(Bucket),
		Pending:   d.Pending,
		Active:    d.Active,
		Delayed:   d.Delayed,
		Waiting:   d.Waiting,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{"pending", "active", "delayed", "waiting"}),
	}).Create(&row).Error
}

// History returns buckets in ascending time order. Empty queue matches
// every queue; zero bounds are open.
func (s *GormStorage) History(ctx context.Context, queue string, since, until time.Time) ([]JobStat, error) {
	var rows []JobStat
	q := s.db.WithContext(ctx).Order("timestamp ASC, queue ASC")

	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	if !until.IsZero() {
		q = q.Where("timestamp <= ?", until.UTC())
	}

	return rows, q.Find(&rows).Error
}

func (s *GormStorage) PruneStats(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&JobStat{})
	return result.RowsAffected, result.Error
}
