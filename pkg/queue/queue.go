package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-job-scheduler/pkg/agentqueue"
	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/events"
	"github.com/jdziat/durable-job-scheduler/pkg/internal/handler"
	"github.com/jdziat/durable-job-scheduler/pkg/processing"
	"github.com/jdziat/durable-job-scheduler/pkg/schedule"
	"github.com/jdziat/durable-job-scheduler/pkg/scheduler"
	"github.com/jdziat/durable-job-scheduler/pkg/security"
)

// Queue manages handler registration, job submission, and queue-level
// operations for a single named queue.
type Queue struct {
	name        string
	repo        core.Repository
	bus         *events.Bus
	processing  *processing.Service
	agents      agentqueue.Queue
	maintenance *scheduler.Maintenance
	logger      *slog.Logger
	now         func() time.Time
	defaults    []Option

	handlers map[string]*handler.Handler
	mu       sync.RWMutex

	// Hooks
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onRetry    []func(context.Context, *core.Job, int, error)
}

// BulkJob describes one job of an AddBulk or AddFlow call.
type BulkJob struct {
	Name    string
	Payload any
	Options []Option
}

// Flow is the result of AddFlow: a parent job gated on its children.
type Flow struct {
	Parent   *core.Job
	Children []*core.Job
}

// New creates a queue named name backed by repo.
func New(repo core.Repository, name string, opts ...QueueOption) (*Queue, error) {
	if err := security.ValidateQueueName(name); err != nil {
		return nil, err
	}

	cfg := &config{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.ApplyQueue(cfg)
		}
	}

	q := &Queue{
		name:     name,
		repo:     repo,
		bus:      events.NewBus(cfg.eventBuffer),
		agents:   cfg.agents,
		logger:   cfg.logger.With("queue", name),
		now:      cfg.now,
		defaults: cfg.defaults,
		handlers: make(map[string]*handler.Handler),
	}

	popts := []processing.Option{
		processing.WithQueue(name),
		processing.WithLogger(q.logger),
		processing.WithEmitter(q.bus),
		processing.WithClock(q.now),
	}
	if q.agents != nil {
		popts = append(popts, processing.WithAgentQueue(q.agents))
	}
	q.processing = processing.New(repo, popts...)

	if cfg.maintenance {
		retention := cfg.retention
		if retention.Queue == "" {
			retention.Queue = name
		}
		q.maintenance = scheduler.NewMaintenance(q.NewScheduler(cfg.schedOpts...), retention)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Repository returns the underlying repository.
func (q *Queue) Repository() core.Repository {
	return q.repo
}

// Processing returns the worker-facing processing service of this queue.
func (q *Queue) Processing() *processing.Service {
	return q.processing
}

// AgentQueue returns the agent queue, or nil when agent routing is disabled.
func (q *Queue) AgentQueue() agentqueue.Queue {
	return q.agents
}

// Logger returns the queue logger.
func (q *Queue) Logger() *slog.Logger {
	return q.logger
}

// Now returns the current time from the queue clock.
func (q *Queue) Now() time.Time {
	return q.now()
}

// NewScheduler builds a scheduler wired to this queue's event bus, agent
// queue, and retry policy. Extra options are applied last.
func (q *Queue) NewScheduler(opts ...scheduler.Option) *scheduler.Service {
	sopts := []scheduler.Option{
		scheduler.WithLogger(q.logger),
		scheduler.WithEmitter(q.bus),
		scheduler.WithRetryPolicy(q.processing),
		scheduler.WithClock(q.now),
	}
	if q.agents != nil {
		sopts = append(sopts, scheduler.WithAgentQueue(q.agents))
	}
	return scheduler.New(q.repo, append(sopts, opts...)...)
}

// Maintenance returns the attached maintenance service, or nil.
func (q *Queue) Maintenance() *scheduler.Maintenance {
	return q.maintenance
}

// StartMaintenance starts the attached scheduler and retention sweeper.
// It is a no-op unless the queue was built WithMaintenance.
func (q *Queue) StartMaintenance(ctx context.Context) {
	if q.maintenance != nil {
		q.maintenance.StartMaintenance(ctx)
	}
}

// Close stops background maintenance and waits for the in-flight cycle.
func (q *Queue) Close() error {
	if q.maintenance != nil {
		q.maintenance.StopMaintenance()
	}
	return nil
}

// Register registers a job handler function.
// The function must have signature: func(ctx context.Context, args T) error
// or func(ctx context.Context, args T) (R, error).
// Job names must be alphanumeric (starting with a letter), max 255 chars.
func (q *Queue) Register(name string, fn any, opts ...Option) {
	if err := security.ValidateJobName(name); err != nil {
		panic(fmt.Sprintf("jobs: invalid handler name %q: %v", name, err))
	}

	h, err := handler.NewHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("jobs: handler for %q: %v", name, err))
	}

	if len(opts) > 0 {
		o := NewOptions()
		for _, opt := range opts {
			opt.Apply(o)
		}
		h.Timeout = o.Timeout
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// HasHandler checks if a handler is registered.
func (q *Queue) HasHandler(name string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.handlers[name]
	return ok
}

// GetHandler returns a handler by name.
func (q *Queue) GetHandler(name string) (*handler.Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// RegisterBackoff registers a named custom backoff function for jobs added
// with BackoffFunc(name).
func (q *Queue) RegisterBackoff(name string, fn core.BackoffFunc) {
	q.processing.RegisterBackoff(name, fn)
}

// Add persists a new job. The job starts PENDING, DELAYED when a delay is
// set, or WAITING_CHILDREN when it depends on other jobs. Handlers do not
// have to be registered on the producer side.
func (q *Queue) Add(ctx context.Context, name string, payload any, opts ...Option) (*core.Job, error) {
	job, err := q.build(ctx, BulkJob{Name: name, Payload: payload, Options: opts}, nil)
	if err != nil {
		return nil, err
	}
	if err := q.repo.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("jobs: failed to add job: %w", err)
	}
	q.afterAdd(ctx, job)
	return job, nil
}

// AddBulk persists several jobs atomically. Either all jobs are stored or none.
func (q *Queue) AddBulk(ctx context.Context, specs []BulkJob) ([]*core.Job, error) {
	jobs := make([]*core.Job, 0, len(specs))
	ids := make(map[string]struct{}, len(specs))
	for i, spec := range specs {
		job, err := q.build(ctx, spec, nil)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		if _, dup := ids[job.ID]; dup {
			return nil, fmt.Errorf("job %d: %w: %s", i, core.ErrDuplicateJob, job.ID)
		}
		ids[job.ID] = struct{}{}
		jobs = append(jobs, job)
	}
	if err := q.repo.SaveBatch(ctx, jobs); err != nil {
		return nil, fmt.Errorf("jobs: failed to add jobs: %w", err)
	}
	for _, job := range jobs {
		q.afterAdd(ctx, job)
	}
	return jobs, nil
}

// AddFlow persists children and a parent that depends on all of them in a
// single batch. The parent runs once every child has completed.
func (q *Queue) AddFlow(ctx context.Context, parent BulkJob, children []BulkJob) (*Flow, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: a flow needs at least one child", core.ErrInvalidOptions)
	}

	flow := &Flow{Children: make([]*core.Job, 0, len(children))}
	childIDs := make([]string, 0, len(children))
	for i, spec := range children {
		job, err := q.build(ctx, spec, nil)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		flow.Children = append(flow.Children, job)
		childIDs = append(childIDs, job.ID)
	}

	p, err := q.build(ctx, parent, []Option{DependsOn(childIDs...)})
	if err != nil {
		return nil, fmt.Errorf("parent: %w", err)
	}
	flow.Parent = p

	all := append(append([]*core.Job(nil), flow.Children...), p)
	if err := q.repo.SaveBatch(ctx, all); err != nil {
		return nil, fmt.Errorf("jobs: failed to add flow: %w", err)
	}
	for _, job := range all {
		q.afterAdd(ctx, job)
	}
	return flow, nil
}

// build validates a job description and turns it into an unsaved job.
// extra options are applied after the job's own options.
func (q *Queue) build(ctx context.Context, spec BulkJob, extra []Option) (*core.Job, error) {
	if err := security.ValidateJobName(spec.Name); err != nil {
		return nil, err
	}

	o := NewOptions()
	for _, opt := range q.defaults {
		opt.Apply(o)
	}
	for _, opt := range spec.Options {
		opt.Apply(o)
	}
	for _, opt := range extra {
		opt.Apply(o)
	}

	if err := security.ValidateAgentKey(o.AgentKey); err != nil {
		return nil, err
	}

	payload, err := marshalPayload(spec.Payload)
	if err != nil {
		return nil, err
	}
	if err := security.ValidatePayload(payload); err != nil {
		return nil, err
	}

	id := o.JobID
	if id == "" {
		id = uuid.New().String()
	} else {
		existing, err := q.repo.FindByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("jobs: check job id: %w", err)
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s", core.ErrDuplicateJob, id)
		}
	}

	now := q.now()
	job, err := core.NewJob(id, q.name, spec.Name, payload, o.JobOptions(), o.delayAt(now), now)
	if err != nil {
		return nil, err
	}
	job.Priority = o.Priority
	job.AgentKey = o.AgentKey
	return job, nil
}

func (q *Queue) afterAdd(ctx context.Context, job *core.Job) {
	if job.Status == core.StatusPending && job.AgentKey != "" && q.agents != nil {
		if err := q.agents.Push(ctx, job.AgentKey, job.ID); err != nil {
			// The scheduler does not re-push PENDING jobs, so the job is only
			// reachable through non-agent polling until it is retried.
			q.logger.Error("failed to push job to agent queue", "job_id", job.ID, "agent_key", job.AgentKey, "error", err)
		}
	}
	q.logger.Debug("job added", "job_id", job.ID, "name", job.Name, "status", job.Status)
	q.bus.Emit(&core.JobAdded{JobEvent: core.NewJobEvent(job, q.now()), Status: job.Status})
}

// marshalPayload encodes the payload as JSON. json.RawMessage and nil are
// stored as given.
func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append([]byte(nil), p...), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: failed to marshal payload: %w", err)
	}
	return b, nil
}

// GetJob returns the job with the given id.
func (q *Queue) GetJob(ctx context.Context, id string) (*core.Job, error) {
	job, err := q.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return job, nil
}

// GetJobsByStatus returns one page of this queue's jobs in the given
// statuses. No statuses means all. Jobs are ordered by creation time,
// newest first unless page.Ascending is set.
func (q *Queue) GetJobsByStatus(ctx context.Context, statuses []core.JobStatus, page core.Pagination) (*core.SearchResult, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", core.ErrInvalidOptions, st)
		}
	}
	return q.repo.Search(ctx, core.JobFilter{Queue: q.name, Statuses: statuses}, page)
}

// CountJobsByStatus counts this queue's jobs per status. No statuses means all.
func (q *Queue) CountJobsByStatus(ctx context.Context, statuses ...core.JobStatus) (map[core.JobStatus]int64, error) {
	return q.repo.CountByStatus(ctx, q.name, statuses...)
}

// Pause stops workers from claiming jobs of this queue. Jobs already
// active keep running.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.repo.PauseQueue(ctx, q.name); err != nil {
		return fmt.Errorf("jobs: pause queue: %w", err)
	}
	q.logger.Info("queue paused")
	q.bus.Emit(&core.QueuePaused{QueueEvent: core.QueueEvent{Queue: q.name, Timestamp: q.now()}})
	return nil
}

// Resume lets workers claim jobs of this queue again.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.repo.UnpauseQueue(ctx, q.name); err != nil {
		return fmt.Errorf("jobs: resume queue: %w", err)
	}
	q.logger.Info("queue resumed")
	q.bus.Emit(&core.QueueResumed{QueueEvent: core.QueueEvent{Queue: q.name, Timestamp: q.now()}})
	return nil
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.repo.IsQueuePaused(ctx, q.name)
}

// Clean removes jobs in the given status that finished more than grace ago,
// at most limit of them (0 means no limit). An empty status cleans both
// COMPLETED and FAILED jobs.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, limit int, status core.JobStatus) (int64, error) {
	if grace < 0 || limit < 0 {
		return 0, fmt.Errorf("%w: grace and limit must not be negative", core.ErrInvalidOptions)
	}
	statuses := []core.JobStatus{status}
	if status == "" {
		statuses = []core.JobStatus{core.StatusCompleted, core.StatusFailed}
	} else if !status.Valid() {
		return 0, fmt.Errorf("%w: unknown status %q", core.ErrInvalidOptions, status)
	}

	now := q.now()
	var total int64
	for _, st := range statuses {
		remaining := 0
		if limit > 0 {
			remaining = limit - int(total)
			if remaining <= 0 {
				break
			}
		}
		n, err := q.repo.Clean(ctx, q.name, now.Add(-grace), remaining, st)
		if err != nil {
			return total, fmt.Errorf("jobs: clean %s jobs: %w", st, err)
		}
		if n > 0 {
			q.logger.Info("cleaned jobs", "status", st, "count", n)
			q.bus.Emit(&core.QueueCleaned{
				QueueEvent: core.QueueEvent{Queue: q.name, Timestamp: now},
				Status:     st,
				Removed:    n,
			})
		}
		total += n
	}
	return total, nil
}

// Repeat registers or replaces a recurring job. Each occurrence is added as
// a one-shot job built from payload and opts. Delay, At, DependsOn and JobID
// do not apply to repeatable jobs.
func (q *Queue) Repeat(ctx context.Context, name string, sched schedule.Schedule, payload any, opts ...Option) (*core.RepeatableSchedule, error) {
	if err := security.ValidateJobName(name); err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, fmt.Errorf("%w: nil schedule", core.ErrInvalidSchedule)
	}
	// Persisted schedules are rebuilt from their string form.
	if _, err := schedule.Parse(sched.String()); err != nil {
		return nil, err
	}

	o := NewOptions()
	for _, opt := range q.defaults {
		opt.Apply(o)
	}
	for _, opt := range opts {
		opt.Apply(o)
	}
	if err := security.ValidateAgentKey(o.AgentKey); err != nil {
		return nil, err
	}
	jo := o.JobOptions()
	jo.DependsOnJobIDs = nil
	if err := jo.Validate(); err != nil {
		return nil, err
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if err := security.ValidatePayload(raw); err != nil {
		return nil, err
	}

	now := q.now()
	rs := &core.RepeatableSchedule{
		Queue:     q.name,
		Name:      name,
		Spec:      sched.String(),
		Payload:   raw,
		Priority:  o.Priority,
		Options:   jo,
		AgentKey:  o.AgentKey,
		Enabled:   true,
		NextRunAt: sched.Next(now).UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.repo.SaveSchedule(ctx, rs); err != nil {
		return nil, fmt.Errorf("jobs: save repeatable %q: %w", name, err)
	}
	q.logger.Info("repeatable job registered", "name", name, "spec", rs.Spec, "next_run_at", rs.NextRunAt)
	return rs, nil
}

// RemoveRepeatable deletes a recurring job. Jobs already added keep running.
func (q *Queue) RemoveRepeatable(ctx context.Context, name string) error {
	if err := q.repo.DeleteSchedule(ctx, q.name, name); err != nil {
		if errors.Is(err, core.ErrScheduleNotFound) {
			return fmt.Errorf("%w: %s", core.ErrScheduleNotFound, name)
		}
		return fmt.Errorf("jobs: remove repeatable %q: %w", name, err)
	}
	return nil
}

// ListRepeatable returns the recurring jobs of this queue.
func (q *Queue) ListRepeatable(ctx context.Context) ([]*core.RepeatableSchedule, error) {
	return q.repo.ListSchedules(ctx, q.name)
}

// OnJobStart registers a callback for when a job starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a failed job is scheduled for retry.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	return q.bus.Subscribe()
}

// Unsubscribe removes a subscriber channel created by Events().
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.bus.Unsubscribe(ch)
}

// Emit emits an event to all subscribers.
func (q *Queue) Emit(e core.Event) {
	q.bus.Emit(e)
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}

// WorkerFactory is set by the root package to create workers.
// This avoids import cycles between queue and worker packages.
var WorkerFactory func(q *Queue, opts ...any) core.Starter

// NewWorker creates a new worker for this queue.
// Options should be worker.WorkerOption values.
func (q *Queue) NewWorker(opts ...any) core.Starter {
	if WorkerFactory == nil {
		panic("jobs: WorkerFactory not initialized - import github.com/jdziat/durable-job-scheduler to initialize")
	}
	return WorkerFactory(q, opts...)
}
