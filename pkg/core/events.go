package core

import "time"

// Event names as published to collaborators.
const (
	EventJobAdded        = "job.added"
	EventJobActive       = "job.active"
	EventJobCompleted    = "job.completed"
	EventJobFailed       = "job.failed"
	EventJobDelayed      = "job.delayed"
	EventJobPromoted     = "job.promoted"
	EventJobStalled      = "job.stalled"
	EventJobLockExtended = "job.lock.extended"
	EventJobProgress     = "job.progress"
	EventJobLog          = "job.log"
	EventQueuePaused     = "queue.paused"
	EventQueueResumed    = "queue.resumed"
	EventQueueCleaned    = "queue.cleaned"
)

// Event is the interface for all queue events.
type Event interface {
	// Name returns the dotted event name, e.g. "job.completed".
	Name() string
	// QueueName returns the queue the event belongs to.
	QueueName() string
	// JobID returns the job the event refers to, or "" for queue-level events.
	JobID() string
}

// Emitter delivers events to interested collaborators.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// JobEvent carries the fields common to every job event.
type JobEvent struct {
	Queue     string
	ID        string
	Timestamp time.Time
}

func (e JobEvent) QueueName() string { return e.Queue }
func (e JobEvent) JobID() string     { return e.ID }

// NewJobEvent builds the common part of a job event.
func NewJobEvent(job *Job, now time.Time) JobEvent {
	return JobEvent{Queue: job.Queue, ID: job.ID, Timestamp: now}
}

// JobAdded is emitted when a producer persists a new job.
type JobAdded struct {
	JobEvent
	Status JobStatus
}

func (*JobAdded) Name() string { return EventJobAdded }

// JobActive is emitted when a worker claims a job.
type JobActive struct {
	JobEvent
	WorkerID string
	Attempt  int
}

func (*JobActive) Name() string { return EventJobActive }

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	JobEvent
	Result   []byte
	Duration time.Duration
}

func (*JobCompleted) Name() string { return EventJobCompleted }

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	JobEvent
	Error   error
	Attempt int
}

func (*JobFailed) Name() string { return EventJobFailed }

// JobDelayed is emitted when a retry is scheduled.
type JobDelayed struct {
	JobEvent
	Error      error
	Attempt    int
	DelayUntil time.Time
}

func (*JobDelayed) Name() string { return EventJobDelayed }

// JobPromoted is emitted when the scheduler moves a job to PENDING.
type JobPromoted struct {
	JobEvent
	From JobStatus
}

func (*JobPromoted) Name() string { return EventJobPromoted }

// JobStalled is emitted when a job's lock expired without an outcome.
type JobStalled struct {
	JobEvent
	WorkerID      string
	LockExpiredAt time.Time
}

func (*JobStalled) Name() string { return EventJobStalled }

// JobLockExtended is emitted after a successful heartbeat.
type JobLockExtended struct {
	JobEvent
	WorkerID  string
	LockUntil time.Time
}

func (*JobLockExtended) Name() string { return EventJobLockExtended }

// JobProgress is emitted when a worker reports progress.
type JobProgress struct {
	JobEvent
	Progress []byte
}

func (*JobProgress) Name() string { return EventJobProgress }

// JobLog is emitted when a worker appends a log line.
type JobLog struct {
	JobEvent
	Entry LogEntry
}

func (*JobLog) Name() string { return EventJobLog }

// QueueEvent carries the fields common to queue-level events.
type QueueEvent struct {
	Queue     string
	Timestamp time.Time
}

func (e QueueEvent) QueueName() string { return e.Queue }
func (e QueueEvent) JobID() string     { return "" }

// QueuePaused is emitted when a queue is paused.
type QueuePaused struct{ QueueEvent }

func (*QueuePaused) Name() string { return EventQueuePaused }

// QueueResumed is emitted when a queue is resumed.
type QueueResumed struct{ QueueEvent }

func (*QueueResumed) Name() string { return EventQueueResumed }

// QueueCleaned is emitted after a clean sweep removed jobs.
type QueueCleaned struct {
	QueueEvent
	Status  JobStatus
	Removed int64
}

func (*QueueCleaned) Name() string { return EventQueueCleaned }
