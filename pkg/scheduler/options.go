package scheduler

import (
	"log/slog"
	"time"

	"github.com/jdziat/durable-job-scheduler/pkg/agentqueue"
	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// Option configures a Service.
type Option interface {
	Apply(*Service)
}

type optionFunc func(*Service)

func (f optionFunc) Apply(s *Service) { f(s) }

// WithInterval sets the time between cycles. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return optionFunc(func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	})
}

// WithBatchSize caps how many jobs each phase handles per cycle.
func WithBatchSize(n int) Option {
	return optionFunc(func(s *Service) {
		if n > 0 {
			s.limit = n
		}
	})
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Service) {
		if l != nil {
			s.logger = l
		}
	})
}

// WithEmitter sets the destination of lifecycle events. Nil is ignored.
func WithEmitter(e core.Emitter) Option {
	return optionFunc(func(s *Service) {
		if e != nil {
			s.emitter = e
		}
	})
}

// WithAgentQueue re-queues promoted agent jobs onto their agent's list.
func WithAgentQueue(q agentqueue.Queue) Option {
	return optionFunc(func(s *Service) {
		s.agents = q
	})
}

// WithRetryPolicy sets how stalled jobs are retried, typically the
// processing service so custom backoff functions apply. Nil is ignored.
func WithRetryPolicy(p RetryPolicy) Option {
	return optionFunc(func(s *Service) {
		if p != nil {
			s.retry = p
		}
	})
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(s *Service) {
		if now != nil {
			s.now = now
		}
	})
}
