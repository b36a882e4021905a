package processing

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

// WithQueue restricts candidate selection to one queue. The default
// selects across every queue.
func WithQueue(name string) Option {
	return optionFunc(func(s *Service) {
		s.queue = name
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

// WithAgentQueue enables agent-keyed claims.
func WithAgentQueue(q agentqueue.Queue) Option {
	return optionFunc(func(s *Service) {
		s.agents = q
	})
}

// WithBackoffFunc registers a custom backoff function under name.
// Jobs reference it with BackoffType "custom" and BackoffFunc name.
func WithBackoffFunc(name string, fn core.BackoffFunc) Option {
	return optionFunc(func(s *Service) {
		s.RegisterBackoff(name, fn)
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
