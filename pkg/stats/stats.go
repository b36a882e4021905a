// Package stats records per-minute queue throughput and depth.
//
// A Collector subscribes to a queue's events, counts outcomes in memory and
// flushes them to a Storage once per interval together with a snapshot of
// the queue depth. Rows older than the retention window are pruned.
package stats

import (
	"context"
	"time"
)

// Bucket is the resolution of stored statistics.
const Bucket = time.Minute

// JobStat stores per-queue statistics bucketed by minute. Counter columns
// accumulate; depth columns hold the last snapshot taken in the bucket.
type JobStat struct {
	ID        uint      `gorm:"primaryKey"`
	Queue     string    `gorm:"uniqueIndex:idx_job_stats_queue_ts;size:255;not null"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_job_stats_queue_ts;not null"`

	Added     int64 `gorm:"default:0"`
	Completed int64 `gorm:"default:0"`
	Failed    int64 `gorm:"default:0"`
	Retried   int64 `gorm:"default:0"`
	Stalled   int64 `gorm:"default:0"`

	Pending int64 `gorm:"default:0"`
	Active  int64 `gorm:"default:0"`
	Delayed int64 `gorm:"default:0"`
	Waiting int64 `gorm:"default:0"`
}

// Counters are the outcome counts accumulated between flushes.
type Counters struct {
	Added     int64
	Completed int64
	Failed    int64
	Retried   int64
	Stalled   int64
}

// IsZero reports whether nothing was counted.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Depth is a point-in-time count of unfinished jobs.
type Depth struct {
	Pending int64
	Active  int64
	Delayed int64
	Waiting int64
}

// Storage is the interface for stats persistence.
type Storage interface {
	MigrateStats(ctx context.Context) error
	AddCounters(ctx context.Context, queue string, ts time.Time, c Counters) error
	SnapshotDepth(ctx context.Context, queue string, ts time.Time, d Depth) error
	History(ctx context.Context, queue string, since, until time.Time) ([]JobStat, error)
	PruneStats(ctx context.Context, before time.Time) (int64, error)
}
