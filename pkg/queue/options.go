// Package queue provides the Queue orchestrator for the jobs package.
package queue

import (
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"github.com/jdziat/durable-job-scheduler/pkg/agentqueue"
	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/scheduler"
	"github.com/jdziat/durable-job-scheduler/pkg/security"
)

// Options holds configuration for adding jobs and registering handlers.
type Options struct {
	Attempts        int
	Backoff         core.BackoffType
	BackoffDelay    time.Duration
	BackoffMaxDelay time.Duration
	BackoffFunc     string
	BackoffJitter   float64
	Delay           time.Duration
	RunAt           *time.Time
	DependsOn       []string
	Priority        int
	AgentKey        string
	JobID           string

	// Timeout bounds a handler's execution. Only used by Register.
	Timeout time.Duration
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Attempts:     core.DefaultMaxAttempts,
		Backoff:      core.BackoffFixed,
		BackoffDelay: core.DefaultBackoffDelay,
	}
}

// JobOptions converts the producer options into the persisted form.
func (o *Options) JobOptions() core.JobOptions {
	jo := core.JobOptions{
		MaxAttempts:    o.Attempts,
		BackoffType:    o.Backoff,
		BackoffDelayMs: o.BackoffDelay.Milliseconds(),
		BackoffFunc:    o.BackoffFunc,
		BackoffJitter:  o.BackoffJitter,
	}
	if o.BackoffMaxDelay > 0 {
		ms := o.BackoffMaxDelay.Milliseconds()
		jo.BackoffMaxDelayMs = &ms
	}
	if len(o.DependsOn) > 0 {
		jo.DependsOnJobIDs = datatypes.JSONSlice[string](append([]string(nil), o.DependsOn...))
	}
	return jo
}

// delayAt returns the delay to apply at now. An absolute time in the past
// means "run immediately".
func (o *Options) delayAt(now time.Time) time.Duration {
	if o.RunAt != nil {
		if d := o.RunAt.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return o.Delay
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Attempts sets the total attempt budget, including the first run.
// Values are clamped to [1, security.MaxAttempts].
func Attempts(n int) Option {
	return optionFunc(func(o *Options) {
		o.Attempts = security.ClampAttempts(n)
	})
}

// Backoff selects the retry backoff strategy. A zero maxDelay leaves the
// delay uncapped.
func Backoff(t core.BackoffType, delay, maxDelay time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Backoff = t
		o.BackoffDelay = delay
		o.BackoffMaxDelay = maxDelay
	})
}

// BackoffFunc selects a named custom backoff function registered with
// RegisterBackoff.
func BackoffFunc(name string) Option {
	return optionFunc(func(o *Options) {
		o.Backoff = core.BackoffCustom
		o.BackoffFunc = name
	})
}

// Jitter shortens each computed retry delay by a random share of up to
// fraction (0..1). Values outside that range are rejected when the job is
// added. Delays from RetryAfter errors and custom functions are not jittered.
func Jitter(fraction float64) Option {
	return optionFunc(func(o *Options) {
		o.BackoffJitter = fraction
	})
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
		o.RunAt = nil
	})
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// DependsOn gates the job until all listed jobs have completed.
func DependsOn(ids ...string) Option {
	return optionFunc(func(o *Options) {
		o.DependsOn = append(o.DependsOn, ids...)
	})
}

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// AgentKey routes the job to workers polling with the same key.
func AgentKey(key string) Option {
	return optionFunc(func(o *Options) {
		o.AgentKey = key
	})
}

// JobID sets an explicit job id instead of a generated one.
func JobID(id string) Option {
	return optionFunc(func(o *Options) {
		o.JobID = id
	})
}

// Timeout sets the handler timeout. Only meaningful for Register.
func Timeout(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Timeout = d
	})
}

// --- Queue configuration ---

// config collects QueueOption values before the queue is assembled.
type config struct {
	logger      *slog.Logger
	agents      agentqueue.Queue
	now         func() time.Time
	eventBuffer int
	defaults    []Option
	maintenance bool
	retention   scheduler.Retention
	schedOpts   []scheduler.Option
}

// QueueOption configures a Queue.
type QueueOption interface {
	ApplyQueue(*config)
}

type queueOptionFunc func(*config)

func (f queueOptionFunc) ApplyQueue(c *config) { f(c) }

// WithLogger sets the logger shared by the queue and its services.
func WithLogger(l *slog.Logger) QueueOption {
	return queueOptionFunc(func(c *config) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithAgentQueue enables agent-key routing backed by q.
func WithAgentQueue(q agentqueue.Queue) QueueOption {
	return queueOptionFunc(func(c *config) {
		c.agents = q
	})
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) QueueOption {
	return queueOptionFunc(func(c *config) {
		if now != nil {
			c.now = now
		}
	})
}

// WithEventBuffer sets the per-subscriber event buffer size.
func WithEventBuffer(n int) QueueOption {
	return queueOptionFunc(func(c *config) {
		c.eventBuffer = n
	})
}

// WithDefaults sets options applied to every added job before its own options.
func WithDefaults(opts ...Option) QueueOption {
	return queueOptionFunc(func(c *config) {
		c.defaults = append(c.defaults, opts...)
	})
}

// WithMaintenance attaches a scheduler plus retention sweeper that
// StartMaintenance runs in the background.
func WithMaintenance(retention scheduler.Retention, opts ...scheduler.Option) QueueOption {
	return queueOptionFunc(func(c *config) {
		c.maintenance = true
		c.retention = retention
		c.schedOpts = append(c.schedOpts, opts...)
	})
}
