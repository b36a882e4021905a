package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// DefaultSweepInterval is how often retention runs when enabled.
const DefaultSweepInterval = time.Minute

// Retention removes terminal jobs after they reach a given age.
// A zero age keeps that status forever.
type Retention struct {
	Queue     string // "" sweeps every queue
	Completed time.Duration
	Failed    time.Duration
	Limit     int // per status per sweep; <= 0 uses DefaultBatchSize
	Interval  time.Duration
}

// Enabled reports whether any status is swept.
func (r Retention) Enabled() bool {
	return r.Completed > 0 || r.Failed > 0
}

// Maintenance owns the background work of a queue: the scheduler loop and
// an optional retention sweep.
type Maintenance struct {
	scheduler *Service
	retention Retention

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenance wraps a scheduler with an optional retention policy.
func NewMaintenance(s *Service, retention Retention) *Maintenance {
	if retention.Interval <= 0 {
		retention.Interval = DefaultSweepInterval
	}
	if retention.Limit <= 0 {
		retention.Limit = DefaultBatchSize
	}
	return &Maintenance{scheduler: s, retention: retention}
}

// Scheduler returns the wrapped scheduler.
func (m *Maintenance) Scheduler() *Service {
	return m.scheduler
}

// StartMaintenance starts the scheduler and, if configured, the retention
// sweep. Calling it while running is a no-op.
func (m *Maintenance) StartMaintenance(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.scheduler.Start(ctx)
	if m.retention.Enabled() {
		m.wg.Add(1)
		go m.sweepLoop(ctx)
	}
}

// StopMaintenance stops all background work and waits for it to finish.
func (m *Maintenance) StopMaintenance() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.scheduler.Stop()
	m.wg.Wait()
}

// IsRunning reports whether maintenance has been started and not stopped.
func (m *Maintenance) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Maintenance) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(context.WithoutCancel(ctx)); err != nil {
				m.scheduler.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one retention pass and returns the number of removed jobs.
func (m *Maintenance) Sweep(ctx context.Context) (int64, error) {
	s := m.scheduler
	now := s.now()

	var total int64
	for _, rule := range []struct {
		status core.JobStatus
		age    time.Duration
	}{
		{core.StatusCompleted, m.retention.Completed},
		{core.StatusFailed, m.retention.Failed},
	} {
		if rule.age <= 0 {
			continue
		}
		n, err := s.repo.Clean(ctx, m.retention.Queue, now.Add(-rule.age), m.retention.Limit, rule.status)
		if err != nil {
			return total, fmt.Errorf("clean %s jobs: %w", rule.status, err)
		}
		if n > 0 {
			s.logger.Info("retention removed jobs", "status", rule.status, "count", n, "queue", m.retention.Queue)
			s.emitter.Emit(&core.QueueCleaned{
				QueueEvent: core.QueueEvent{Queue: m.retention.Queue, Timestamp: now},
				Status:     rule.status,
				Removed:    n,
			})
		}
		total += n
	}
	return total, nil
}
