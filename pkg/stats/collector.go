package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/queue"
)

// Collector defaults.
const (
	DefaultFlushInterval = time.Minute
	DefaultRetention     = 7 * 24 * time.Hour
)

// Collector subscribes to queue events and periodically snapshots queue depth.
type Collector struct {
	queue     *queue.Queue
	stats     Storage
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	counters map[string]*Counters

	// ready is closed once the collector has subscribed to events.
	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Collector.
type Option interface {
	apply(*Collector)
}

type optionFunc func(*Collector)

func (f optionFunc) apply(c *Collector) { f(c) }

// WithRetention sets how long stats rows are kept. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return optionFunc(func(c *Collector) {
		if d >= 0 {
			c.retention = d
		}
	})
}

// WithFlushInterval sets how often counters are written and depth sampled.
func WithFlushInterval(d time.Duration) Option {
	return optionFunc(func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	})
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Collector) {
		if now != nil {
			c.now = now
		}
	})
}

// NewCollector creates a collector for q writing to stats.
func NewCollector(q *queue.Queue, stats Storage, opts ...Option) *Collector {
	c := &Collector{
		queue:     q,
		stats:     stats,
		interval:  DefaultFlushInterval,
		retention: DefaultRetention,
		logger:    q.Logger(),
		now:       q.Now,
		counters:  make(map[string]*Counters),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(c)
		}
	}
	return c
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Start consumes events and flushes on every tick. Blocks until ctx is
// cancelled, then flushes what was counted so far.
func (c *Collector) Start(ctx context.Context) {
	events := c.queue.Events()
	defer c.queue.Unsubscribe(events)

	c.readyOnce.Do(func() { close(c.ready) })

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			c.drainEvents(events)
			c.Flush(flushCtx)
			cancel()
			return
		case e := <-events:
			c.Record(e)
		case <-ticker.C:
			c.Flush(ctx)
			c.Snapshot(ctx)
			c.prune(ctx)
		}
	}
}

func (c *Collector) drainEvents(events <-chan core.Event) {
	for {
		select {
		case e := <-events:
			c.Record(e)
		default:
			return
		}
	}
}

// Record counts one event. Events that are not outcomes are ignored.
func (c *Collector) Record(e core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.(type) {
	case *core.JobAdded:
		c.get(e.QueueName()).Added++
	case *core.JobCompleted:
		c.get(e.QueueName()).Completed++
	case *core.JobFailed:
		c.get(e.QueueName()).Failed++
	case *core.JobDelayed:
		c.get(e.QueueName()).Retried++
	case *core.JobStalled:
		c.get(e.QueueName()).Stalled++
	}
}

func (c *Collector) get(queue string) *Counters {
	cnt, ok := c.counters[queue]
	if !ok {
		cnt = &Counters{}
		c.counters[queue] = cnt
	}
	return cnt
}

// Flush writes accumulated counters to the stats storage. Counters of a
// failed write are dropped.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.counters
	c.counters = make(map[string]*Counters)
	c.mu.Unlock()

	ts := c.now()
	for queueName, cnt := range batch {
		if cnt.IsZero() {
			continue
		}
		if err := c.stats.AddCounters(ctx, queueName, ts, *cnt); err != nil {
			c.logger.Warn("failed to write stats counters", "queue", queueName, "error", err)
		}
	}
}

// Snapshot samples the depth of the collector's queue.
func (c *Collector) Snapshot(ctx context.Context) {
	counts, err := c.queue.CountJobsByStatus(ctx)
	if err != nil {
		c.logger.Warn("failed to count jobs for stats", "error", err)
		return
	}

	d := Depth{
		Pending: counts[core.StatusPending],
		Active:  counts[core.StatusActive],
		Delayed: counts[core.StatusDelayed],
		Waiting: counts[core.StatusWaitingChildren],
	}
	if err := c.stats.SnapshotDepth(ctx, c.queue.Name(), c.now(), d); err != nil {
		c.logger.Warn("failed to write queue depth", "error", err)
	}
}

func (c *Collector) prune(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	if _, err := c.stats.PruneStats(ctx, c.now().Add(-c.retention)); err != nil {
		c.logger.Warn("failed to prune stats", "error", err)
	}
}
