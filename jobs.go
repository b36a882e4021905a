// Package jobs provides a durable job queue and scheduler on a relational store.
//
// This is the main package users should import. It re-exports all public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Open storage and create a queue
//	store, _ := jobs.OpenStorage(ctx, jobs.StorageConfig{Driver: "sqlite", DSN: "jobs.db"})
//	queue, _ := jobs.New(store, "emails")
//
//	// Register handler
//	queue.Register("send-email", func(ctx context.Context, email string) error {
//	    return sendEmail(email)
//	})
//
//	// Add a job
//	queue.Add(ctx, "send-email", "user@example.com", jobs.Attempts(3))
//
//	// Start a worker with an embedded scheduler
//	worker := queue.NewWorker(jobs.WithScheduler(true))
//	worker.Start(ctx)
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/durable-job-scheduler/pkg/agentqueue"
	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/jobctx"
	"github.com/jdziat/durable-job-scheduler/pkg/queue"
	"github.com/jdziat/durable-job-scheduler/pkg/schedule"
	"github.com/jdziat/durable-job-scheduler/pkg/scheduler"
	"github.com/jdziat/durable-job-scheduler/pkg/security"
	"github.com/jdziat/durable-job-scheduler/pkg/storage"
	"github.com/jdziat/durable-job-scheduler/pkg/worker"
)

func init() {
	// Register the worker factory to enable queue.NewWorker()
	queue.WorkerFactory = func(q *queue.Queue, opts ...any) core.Starter {
		workerOpts := make([]worker.WorkerOption, 0, len(opts))
		for _, opt := range opts {
			if wo, ok := opt.(worker.WorkerOption); ok {
				workerOpts = append(workerOpts, wo)
			}
		}
		return worker.NewWorker(q, workerOpts...)
	}
}

// Type aliases
type (
	// Job represents a unit of work tracked from submission to a terminal outcome.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// JobOptions holds the persisted retry and dependency settings of a job.
	JobOptions = core.JobOptions

	// LogEntry is a single worker-reported log line.
	LogEntry = core.LogEntry

	// Repository defines the persistence layer for jobs.
	Repository = core.Repository

	// RepeatableSchedule is a persisted recurring job template.
	RepeatableSchedule = core.RepeatableSchedule

	// Pagination selects a page of results.
	Pagination = core.Pagination

	// SearchResult is one page of jobs plus the total match count.
	SearchResult = core.SearchResult

	// BackoffType selects how the delay between attempts grows.
	BackoffType = core.BackoffType

	// BackoffFuncType computes a retry delay for a custom backoff strategy.
	BackoffFuncType = core.BackoffFunc

	// Event is the interface for all queue events.
	Event = core.Event

	// JobAdded is emitted when a producer persists a new job.
	JobAdded = core.JobAdded

	// JobActive is emitted when a worker claims a job.
	JobActive = core.JobActive

	// JobCompleted is emitted when a job completes successfully.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job fails permanently.
	JobFailed = core.JobFailed

	// JobDelayed is emitted when a retry is scheduled.
	JobDelayed = core.JobDelayed

	// JobStalled is emitted when a job's lock expired without an outcome.
	JobStalled = core.JobStalled

	// NoRetryError indicates an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError indicates an error that should be retried after a delay.
	RetryAfterError = core.RetryAfterError

	// PanicError is reported when a handler panics.
	PanicError = core.PanicError

	// Queue manages handler registration, job submission, and queue operations.
	Queue = queue.Queue

	// Option modifies Options.
	Option = queue.Option

	// Options holds configuration for adding jobs and registering handlers.
	Options = queue.Options

	// QueueOption configures a Queue.
	QueueOption = queue.QueueOption

	// BulkJob describes one job of an AddBulk or AddFlow call.
	BulkJob = queue.BulkJob

	// Flow is a parent job gated on its children.
	Flow = queue.Flow

	// Worker processes jobs from the queue.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// WorkerConfig holds worker configuration.
	WorkerConfig = worker.WorkerConfig

	// RetryConfig holds configuration for storage retries in workers.
	RetryConfig = worker.RetryConfig

	// Scheduler promotes delayed jobs, recovers stalled jobs and fires repeatable jobs.
	Scheduler = scheduler.Service

	// Retention configures age-based removal of finished jobs.
	Retention = scheduler.Retention

	// Schedule defines when a recurring job should run next.
	Schedule = schedule.Schedule

	// GormStorage implements Repository using GORM.
	GormStorage = storage.GormStorage

	// MemoryStorage implements Repository in process memory.
	MemoryStorage = storage.MemoryStorage

	// StorageConfig describes how to reach the job database.
	StorageConfig = storage.OpenConfig
)

// Status constants
const (
	StatusPending         = core.StatusPending
	StatusActive          = core.StatusActive
	StatusDelayed         = core.StatusDelayed
	StatusWaitingChildren = core.StatusWaitingChildren
	StatusCompleted       = core.StatusCompleted
	StatusFailed          = core.StatusFailed
)

// Backoff constants
const (
	BackoffFixed       = core.BackoffFixed
	BackoffLinear      = core.BackoffLinear
	BackoffExponential = core.BackoffExponential
	BackoffNone        = core.BackoffNone
	BackoffCustom      = core.BackoffCustom
)

// Security limits
const (
	MaxJobNameLength      = security.MaxJobNameLength
	MaxPayloadSize        = security.MaxPayloadSize
	MaxAttempts           = security.MaxAttempts
	MaxConcurrency        = security.MaxConcurrency
	MaxErrorMessageLength = security.MaxErrorMessageLength
	MaxQueueNameLength    = security.MaxQueueNameLength
)

// Error variables
var (
	ErrInvalidJobName    = core.ErrInvalidJobName
	ErrJobNameTooLong    = core.ErrJobNameTooLong
	ErrInvalidQueueName  = core.ErrInvalidQueueName
	ErrQueueNameTooLong  = core.ErrQueueNameTooLong
	ErrPayloadTooLarge   = core.ErrPayloadTooLarge
	ErrInvalidOptions    = core.ErrInvalidOptions
	ErrInvalidAgentKey   = core.ErrInvalidAgentKey
	ErrInvalidSchedule   = core.ErrInvalidSchedule
	ErrDuplicateJob      = core.ErrDuplicateJob
	ErrJobNotFound       = core.ErrJobNotFound
	ErrScheduleNotFound  = core.ErrScheduleNotFound
	ErrInvalidTransition = core.ErrInvalidTransition
)

// New creates a queue named name backed by repo.
func New(repo Repository, name string, opts ...QueueOption) (*Queue, error) {
	return queue.New(repo, name, opts...)
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return storage.NewMemoryStorage()
}

// OpenStorage opens the configured database, creates the tables and returns
// a ready storage.
func OpenStorage(ctx context.Context, cfg StorageConfig) (*GormStorage, error) {
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	store := storage.NewGormStorage(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("jobs: migrate: %w", err)
	}
	return store, nil
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return queue.NewOptions()
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, opts...)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// CalculateBackoff returns the delay before the next attempt.
func CalculateBackoff(t BackoffType, base time.Duration, attemptsMade int, maxDelay time.Duration) time.Duration {
	return core.CalculateBackoff(t, base, attemptsMade, maxDelay)
}

// ValidateJobName validates a job name.
func ValidateJobName(name string) error {
	return security.ValidateJobName(name)
}

// ValidateQueueName validates a queue name.
func ValidateQueueName(name string) error {
	return security.ValidateQueueName(name)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// ClampAttempts ensures the attempt budget is within limits.
func ClampAttempts(n int) int {
	return security.ClampAttempts(n)
}

// ClampConcurrency ensures concurrency is within limits.
func ClampConcurrency(n int) int {
	return security.ClampConcurrency(n)
}

// Job option functions

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option {
	return queue.Priority(p)
}

// Attempts sets the total attempt budget, including the first run.
func Attempts(n int) Option {
	return queue.Attempts(n)
}

// Backoff selects the retry backoff strategy.
func Backoff(t BackoffType, delay, maxDelay time.Duration) Option {
	return queue.Backoff(t, delay, maxDelay)
}

// BackoffFunc selects a named custom backoff function.
func BackoffFunc(name string) Option {
	return queue.BackoffFunc(name)
}

// Jitter randomly shortens computed retry delays by up to fraction (0..1).
func Jitter(fraction float64) Option {
	return queue.Jitter(fraction)
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return queue.Delay(d)
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return queue.At(t)
}

// DependsOn gates the job until all listed jobs have completed.
func DependsOn(ids ...string) Option {
	return queue.DependsOn(ids...)
}

// AgentKey routes the job to workers polling with the same key.
func AgentKey(key string) Option {
	return queue.AgentKey(key)
}

// JobID sets an explicit job id.
func JobID(id string) Option {
	return queue.JobID(id)
}

// Timeout sets the handler timeout for Register.
func Timeout(d time.Duration) Option {
	return queue.Timeout(d)
}

// Queue option functions

// WithQueueLogger sets the logger shared by a queue and its services.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return queue.WithLogger(l)
}

// WithAgentQueue enables agent-key routing backed by q.
func WithAgentQueue(q agentqueue.Queue) QueueOption {
	return queue.WithAgentQueue(q)
}

// WithDefaults sets options applied to every added job.
func WithDefaults(opts ...Option) QueueOption {
	return queue.WithDefaults(opts...)
}

// WithMaintenance attaches a background scheduler and retention sweeper.
func WithMaintenance(retention Retention, opts ...scheduler.Option) QueueOption {
	return queue.WithMaintenance(retention, opts...)
}

// Worker option functions

// Concurrency sets how many jobs a worker runs at once.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// PollInterval sets how often an idle worker looks for jobs.
func PollInterval(d time.Duration) WorkerOption {
	return worker.PollInterval(d)
}

// LockDuration sets the claim lifetime renewed by heartbeats.
func LockDuration(d time.Duration) WorkerOption {
	return worker.LockDuration(d)
}

// ShutdownTimeout bounds how long shutdown waits for in-flight jobs.
func ShutdownTimeout(d time.Duration) WorkerOption {
	return worker.ShutdownTimeout(d)
}

// WorkerID sets a stable worker identity.
func WorkerID(id string) WorkerOption {
	return worker.WorkerID(id)
}

// WithAgentKey makes a worker claim only jobs routed to key.
func WithAgentKey(key string) WorkerOption {
	return worker.WithAgentKey(key)
}

// WithScheduler runs a scheduler alongside the worker.
func WithScheduler(enabled bool) WorkerOption {
	return worker.WithScheduler(enabled)
}

// SchedulerOptions configures the scheduler started by WithScheduler.
func SchedulerOptions(opts ...scheduler.Option) WorkerOption {
	return worker.SchedulerOptions(opts...)
}

// WithStorageRetry sets the storage retry policy of a worker.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return worker.WithStorageRetry(cfg)
}

// WithDequeueRetry sets the claim retry policy of a worker.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return worker.WithDequeueRetry(cfg)
}

// DisableRetry makes every worker storage call a single attempt.
func DisableRetry() WorkerOption {
	return worker.DisableRetry()
}

// DefaultRetryConfig returns the default worker storage retry configuration.
func DefaultRetryConfig() RetryConfig {
	return worker.DefaultRetryConfig()
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Weekly creates a schedule that runs at a specific day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return schedule.Weekly(day, hour, minute)
}

// Cron creates a schedule from a cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// ParseSchedule parses a cron expression, descriptor or "@every" interval.
func ParseSchedule(expr string) (Schedule, error) {
	return schedule.Parse(expr)
}

// Handler context helpers

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *Job {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}

// Progress records handler progress on the current job.
func Progress(ctx context.Context, progress any) error {
	return jobctx.Progress(ctx, progress)
}

// Log appends a log line to the current job.
func Log(ctx context.Context, level, message string) error {
	return jobctx.Log(ctx, level, message)
}
