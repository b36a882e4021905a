package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-job-scheduler/pkg/agentqueue"
	"github.com/jdziat/durable-job-scheduler/pkg/core"
	"github.com/jdziat/durable-job-scheduler/pkg/security"
	"github.com/jdziat/durable-job-scheduler/pkg/storage"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Emit(e core.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name()
	}
	return names
}

func (r *recorder) Last() core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type fixture struct {
	repo   core.Repository
	clock  *clock
	events *recorder
	agents *agentqueue.Memory
	svc    *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:   storage.NewMemoryStorage(),
		clock:  newClock(),
		events: &recorder{},
		agents: agentqueue.NewMemory(),
	}
	base := []Option{WithClock(f.clock.Now), WithEmitter(f.events), WithAgentQueue(f.agents)}
	f.svc = New(f.repo, append(base, opts...)...)
	return f
}

func (f *fixture) add(t *testing.T, id string, mutate func(*core.JobOptions)) *core.Job {
	t.Helper()
	opts := core.DefaultJobOptions()
	if mutate != nil {
		mutate(&opts)
	}
	job, err := core.NewJob(id, "default", "work", []byte(`{}`), opts, 0, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.repo.Save(context.Background(), job))
	f.clock.Advance(time.Millisecond)
	return job
}

func (f *fixture) get(t *testing.T, id string) *core.Job {
	t.Helper()
	job, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (f *fixture) claim(t *testing.T, workerID string) *core.Job {
	t.Helper()
	job, err := f.svc.FetchNextJobAndLock(context.Background(), workerID, time.Minute, "")
	require.NoError(t, err)
	return job
}

// faultyRepo fails selected repository calls on demand.
type faultyRepo struct {
	*storage.MemoryStorage
	mu         sync.Mutex
	acquireErr error
	findErr    error
}

func (r *faultyRepo) set(acquireErr, findErr error) {
	r.mu.Lock()
	r.acquireErr, r.findErr = acquireErr, findErr
	r.mu.Unlock()
}

func (r *faultyRepo) AcquireLock(ctx context.Context, id, workerID string, lockUntil, now time.Time) (bool, error) {
	r.mu.Lock()
	err := r.acquireErr
	r.mu.Unlock()
	if err != nil {
		return false, err
	}
	return r.MemoryStorage.AcquireLock(ctx, id, workerID, lockUntil, now)
}

// FindByID fails only once the job carries a lock, which is the load that
// follows a successful claim.
func (r *faultyRepo) FindByID(ctx context.Context, id string) (*core.Job, error) {
	job, err := r.MemoryStorage.FindByID(ctx, id)
	r.mu.Lock()
	findErr := r.findErr
	r.mu.Unlock()
	if err == nil && job != nil && job.LockedBy != "" && findErr != nil {
		return nil, findErr
	}
	return job, err
}

func newFaultyFixture(t *testing.T) (*fixture, *faultyRepo) {
	t.Helper()
	repo := &faultyRepo{MemoryStorage: storage.NewMemoryStorage()}
	f := &fixture{
		repo:   repo,
		clock:  newClock(),
		events: &recorder{},
		agents: agentqueue.NewMemory(),
	}
	f.svc = New(f.repo, WithClock(f.clock.Now), WithEmitter(f.events), WithAgentQueue(f.agents))
	return f, repo
}

// ─── FetchNextJobAndLock ────────────────────────────────────────────────────

func TestFetch_EmptyQueueReturnsNil(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.claim(t, "w1"))
}

func TestFetch_ValidatesArguments(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FetchNextJobAndLock(context.Background(), "", time.Minute, "")
	assert.ErrorIs(t, err, core.ErrInvalidOptions)
	_, err = f.svc.FetchNextJobAndLock(context.Background(), "w1", 0, "")
	assert.ErrorIs(t, err, core.ErrInvalidOptions)
}

func TestFetch_ClaimsAndActivates(t *testing.T) {
	f := newFixture(t)
	f.add(t, "job-1", nil)

	job := f.claim(t, "w1")
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, core.StatusActive, job.Status)
	assert.Equal(t, 1, job.AttemptsMade)

	stored := f.get(t, "job-1")
	assert.Equal(t, core.StatusActive, stored.Status)
	assert.Equal(t, "w1", stored.LockedBy)
	require.NotNil(t, stored.LockExpiresAt)
	assert.True(t, stored.LockExpiresAt.Equal(f.clock.Now().Add(time.Minute)))
	require.NotNil(t, stored.ProcessedOn)

	active, ok := f.events.Last().(*core.JobActive)
	require.True(t, ok)
	assert.Equal(t, "job-1", active.JobID())
	assert.Equal(t, "w1", active.WorkerID)
	assert.Equal(t, 1, active.Attempt)

	assert.Nil(t, f.claim(t, "w2"), "active job must not be claimed twice")
}

func TestFetch_FIFOWithPriority(t *testing.T) {
	f := newFixture(t)
	f.add(t, "first", nil)
	f.add(t, "second", nil)
	urgent := f.add(t, "urgent", nil)
	urgent.Priority = 10
	require.NoError(t, f.repo.Save(context.Background(), urgent))

	var order []string
	for range 3 {
		job := f.claim(t, "w1")
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"urgent", "first", "second"}, order)
}

func TestFetch_PausedQueueYieldsNothing(t *testing.T) {
	f := newFixture(t, WithQueue("default"))
	f.add(t, "job-1", nil)
	ctx := context.Background()

	require.NoError(t, f.repo.PauseQueue(ctx, "default"))
	assert.Nil(t, f.claim(t, "w1"))

	require.NoError(t, f.repo.UnpauseQueue(ctx, "default"))
	assert.NotNil(t, f.claim(t, "w1"))
}

func TestFetch_AllQueuesSkipsPausedOnes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := core.NewJob("mail-1", "mail", "send", nil, core.DefaultJobOptions(), 0, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.repo.Save(ctx, job))
	f.clock.Advance(time.Millisecond)
	f.add(t, "default-1", nil)

	require.NoError(t, f.repo.PauseQueue(ctx, "mail"))
	claimed := f.claim(t, "w1")
	require.NotNil(t, claimed)
	assert.Equal(t, "default-1", claimed.ID)
	assert.Nil(t, f.claim(t, "w1"))
}

func TestFetch_PausedBacklogDoesNotStarveOtherQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range 12 {
		job, err := core.NewJob(fmt.Sprintf("held-%02d", i), "held", "work", nil, core.DefaultJobOptions(), 0, f.clock.Now())
		require.NoError(t, err)
		require.NoError(t, f.repo.Save(ctx, job))
		f.clock.Advance(time.Millisecond)
	}
	f.add(t, "live-1", nil)
	require.NoError(t, f.repo.PauseQueue(ctx, "held"))

	claimed := f.claim(t, "w1")
	require.NotNil(t, claimed)
	assert.Equal(t, "live-1", claimed.ID)
	assert.Nil(t, f.claim(t, "w1"))
}

func TestFetch_LoadFailureAfterLockReleasesIt(t *testing.T) {
	f, repo := newFaultyFixture(t)
	f.add(t, "job-1", nil)
	repo.set(nil, errors.New("read timeout"))

	job, err := f.svc.FetchNextJobAndLock(context.Background(), "w1", time.Hour, "")
	assert.ErrorContains(t, err, "read timeout")
	assert.Nil(t, job)

	repo.set(nil, nil)
	stored := f.get(t, "job-1")
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Empty(t, stored.LockedBy)
	assert.Nil(t, stored.LockExpiresAt)

	// No need to wait out the hour-long lock.
	job = f.claim(t, "w2")
	require.NotNil(t, job)
	assert.Equal(t, "w2", job.LockedBy)
}

func TestFetch_AgentLockErrorRequeuesJob(t *testing.T) {
	f, repo := newFaultyFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", nil)
	require.NoError(t, f.agents.Push(ctx, "a", "job-1"))
	repo.set(errors.New("connection reset"), nil)

	job, err := f.svc.FetchNextJobAndLock(ctx, "w1", time.Minute, "a")
	assert.ErrorContains(t, err, "connection reset")
	assert.Nil(t, job)

	n, err := f.agents.Len(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	repo.set(nil, nil)
	job, err = f.svc.FetchNextJobAndLock(ctx, "w1", time.Minute, "a")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
}

func TestFetch_ExpiredLockOnPendingJobIsReclaimable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", nil)

	// A worker that crashed between lock and activation leaves a pending lock behind.
	ok, err := f.repo.AcquireLock(ctx, "job-1", "ghost", f.clock.Now().Add(time.Second), f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, f.claim(t, "w1"))

	f.clock.Advance(2 * time.Second)
	job := f.claim(t, "w1")
	require.NotNil(t, job)
	assert.Equal(t, "w1", job.LockedBy)
}

func TestFetch_ConcurrentWorkersNeverShareAJob(t *testing.T) {
	f := newFixture(t)
	for i := range 20 {
		f.add(t, fmt.Sprintf("job-%02d", i), nil)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := range 8 {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for range 10 {
				job, err := f.svc.FetchNextJobAndLock(context.Background(), workerID, time.Minute, "")
				if !assert.NoError(t, err) || job == nil {
					continue
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by %s and %s", job.ID, prev, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	for id, worker := range claimed {
		assert.Equal(t, worker, f.get(t, id).LockedBy)
	}
}

// ─── Agent-keyed claims ─────────────────────────────────────────────────────

func TestFetch_AgentKeyPopsThatAgentsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "general", nil)
	f.add(t, "for-agent", nil)
	require.NoError(t, f.agents.Push(ctx, "agent-7", "for-agent"))

	job, err := f.svc.FetchNextJobAndLock(ctx, "w1", time.Minute, "agent-7")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "for-agent", job.ID)

	job, err = f.svc.FetchNextJobAndLock(ctx, "w1", time.Minute, "agent-7")
	require.NoError(t, err)
	assert.Nil(t, job, "agent list is empty")
}

func TestFetch_AgentKeySkipsNonPendingAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", nil)
	require.NotNil(t, f.claim(t, "w1"))

	require.NoError(t, f.agents.Push(ctx, "a", "missing"))
	require.NoError(t, f.agents.Push(ctx, "a", "job-1"))

	for range 2 {
		job, err := f.svc.FetchNextJobAndLock(ctx, "w2", time.Minute, "a")
		require.NoError(t, err)
		assert.Nil(t, job)
	}
	n, err := f.agents.Len(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFetch_AgentKeyOnPausedQueueRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", nil)
	require.NoError(t, f.agents.Push(ctx, "a", "job-1"))
	require.NoError(t, f.repo.PauseQueue(ctx, "default"))

	job, err := f.svc.FetchNextJobAndLock(ctx, "w1", time.Minute, "a")
	require.NoError(t, err)
	assert.Nil(t, job)

	n, err := f.agents.Len(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestFetch_AgentKeyWithoutAgentQueue(t *testing.T) {
	svc := New(storage.NewMemoryStorage())
	_, err := svc.FetchNextJobAndLock(context.Background(), "w1", time.Minute, "a")
	assert.ErrorIs(t, err, core.ErrInvalidAgentKey)
}

// ─── Heartbeat and outcomes ─────────────────────────────────────────────────

func TestExtendJobLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", nil)
	require.NotNil(t, f.claim(t, "w1"))

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.svc.ExtendJobLock(ctx, "job-1", "w1", time.Minute))
	stored := f.get(t, "job-1")
	assert.True(t, stored.LockExpiresAt.Equal(f.clock.Now().Add(time.Minute)))
	assert.Equal(t, core.EventJobLockExtended, f.events.Last().Name())

	before := len(f.events.Names())
	require.NoError(t, f.svc.ExtendJobLock(ctx, "job-1", "intruder", time.Hour))
	assert.True(t, f.get(t, "job-1").LockExpiresAt.Equal(*stored.LockExpiresAt))
	assert.Len(t, f.events.Names(), before)

	require.NoError(t, f.svc.ExtendJobLock(ctx, "no-such-job", "w1", time.Minute))
}

func TestMarkJobAsCompleted_IsOwnerGatedAndIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", nil)
	require.NotNil(t, f.claim(t, "w1"))

	require.NoError(t, f.svc.MarkJobAsCompleted(ctx, "job-1", "w2", []byte(`"stolen"`)))
	assert.Equal(t, core.StatusActive, f.get(t, "job-1").Status)

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.svc.MarkJobAsCompleted(ctx, "job-1", "w1", []byte(`"ok"`)))
	done := f.get(t, "job-1")
	assert.Equal(t, core.StatusCompleted, done.Status)
	assert.Equal(t, []byte(`"ok"`), done.Result)
	assert.Empty(t, done.LockedBy)
	assert.Nil(t, done.LockExpiresAt)
	require.NotNil(t, done.FinishedOn)

	completed, ok := f.events.Last().(*core.JobCompleted)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, completed.Duration)

	count := len(f.events.Names())
	require.NoError(t, f.svc.MarkJobAsCompleted(ctx, "job-1", "w1", []byte(`"again"`)))
	assert.Equal(t, []byte(`"ok"`), f.get(t, "job-1").Result)
	assert.Len(t, f.events.Names(), count)
}

func TestCompleteAndFailJob_ReportWhetherApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", nil)
	require.NotNil(t, f.claim(t, "w1"))

	applied, err := f.svc.FailJob(ctx, "job-1", "w2", errors.New("boom"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, core.StatusActive, f.get(t, "job-1").Status)

	applied, err = f.svc.CompleteJob(ctx, "job-1", "w1", []byte(`"ok"`))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.svc.CompleteJob(ctx, "job-1", "w1", []byte(`"again"`))
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = f.svc.FailJob(ctx, "job-1", "w1", errors.New("late"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, core.StatusCompleted, f.get(t, "job-1").Status)
}

func TestMarkJobAsFailed_RetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", func(o *core.JobOptions) {
		o.MaxAttempts = 2
		o.BackoffType = core.BackoffFixed
		o.BackoffDelayMs = 500
	})

	require.NotNil(t, f.claim(t, "w1"))
	require.NoError(t, f.svc.MarkJobAsFailed(ctx, "job-1", "w1", errors.New("boom")))

	delayed := f.get(t, "job-1")
	assert.Equal(t, core.StatusDelayed, delayed.Status)
	require.NotNil(t, delayed.ProcessAt)
	assert.True(t, delayed.ProcessAt.Equal(f.clock.Now().Add(500*time.Millisecond)))
	assert.Equal(t, "boom", delayed.FailedReason)
	assert.Empty(t, delayed.LockedBy)

	ev, ok := f.events.Last().(*core.JobDelayed)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Attempt)
	assert.EqualError(t, ev.Error, "boom")

	// Promote by hand and run the second attempt.
	delayed.PromoteToPending(f.clock.Now())
	require.NoError(t, f.repo.Save(ctx, delayed))
	job := f.claim(t, "w1")
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptsMade)

	require.NoError(t, f.svc.MarkJobAsFailed(ctx, "job-1", "w1", errors.New("boom again")))
	failed := f.get(t, "job-1")
	assert.Equal(t, core.StatusFailed, failed.Status)
	assert.Equal(t, "boom again", failed.FailedReason)
	assert.Equal(t, failed.MaxAttempts(), failed.AttemptsMade)
	assert.Nil(t, failed.ProcessAt)
	assert.Equal(t, core.EventJobFailed, f.events.Last().Name())
}

func TestMarkJobAsFailed_NonOwnerIgnored(t *testing.T) {
	f := newFixture(t)
	f.add(t, "job-1", nil)
	require.NotNil(t, f.claim(t, "w1"))

	require.NoError(t, f.svc.MarkJobAsFailed(context.Background(), "job-1", "w2", errors.New("x")))
	assert.Equal(t, core.StatusActive, f.get(t, "job-1").Status)
}

func TestMarkJobAsFailed_ErrorWrappers(t *testing.T) {
	retrying := func(o *core.JobOptions) {
		o.MaxAttempts = 5
		o.BackoffType = core.BackoffExponential
		o.BackoffDelayMs = 1000
	}

	t.Run("NoRetry fails immediately", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "job-1", retrying)
		require.NotNil(t, f.claim(t, "w1"))

		require.NoError(t, f.svc.MarkJobAsFailed(context.Background(), "job-1", "w1", core.NoRetry(errors.New("bad input"))))
		assert.Equal(t, core.StatusFailed, f.get(t, "job-1").Status)
	})

	t.Run("RetryAfter overrides backoff", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "job-1", retrying)
		require.NotNil(t, f.claim(t, "w1"))

		err := core.RetryAfter(42*time.Second, errors.New("rate limited"))
		require.NoError(t, f.svc.MarkJobAsFailed(context.Background(), "job-1", "w1", err))
		job := f.get(t, "job-1")
		assert.Equal(t, core.StatusDelayed, job.Status)
		assert.True(t, job.ProcessAt.Equal(f.clock.Now().Add(42*time.Second)))
	})

	t.Run("panic stack is stored", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "job-1", nil)
		require.NotNil(t, f.claim(t, "w1"))

		err := &core.PanicError{Value: "nil map", Stack: "goroutine 7 [running]"}
		require.NoError(t, f.svc.MarkJobAsFailed(context.Background(), "job-1", "w1", err))
		job := f.get(t, "job-1")
		assert.Equal(t, core.StatusFailed, job.Status)
		assert.Equal(t, "panic: nil map", job.FailedReason)
		assert.Equal(t, "goroutine 7 [running]", job.Stacktrace)
	})

	t.Run("nil error", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "job-1", nil)
		require.NotNil(t, f.claim(t, "w1"))

		require.NoError(t, f.svc.MarkJobAsFailed(context.Background(), "job-1", "w1", nil))
		assert.Equal(t, "unknown error", f.get(t, "job-1").FailedReason)
	})
}

func TestMarkJobAsFailed_SanitizesReason(t *testing.T) {
	f := newFixture(t)
	f.add(t, "job-1", nil)
	require.NotNil(t, f.claim(t, "w1"))

	long := make([]byte, security.MaxErrorMessageLength*2)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, f.svc.MarkJobAsFailed(context.Background(), "job-1", "w1", errors.New(string(long))))
	assert.Len(t, f.get(t, "job-1").FailedReason, security.MaxErrorMessageLength)
}

// ─── RetryDelay ─────────────────────────────────────────────────────────────

func TestRetryDelay(t *testing.T) {
	svc := New(storage.NewMemoryStorage(),
		WithBackoffFunc("square", func(n int, _ error) time.Duration {
			return time.Duration(n*n) * time.Second
		}),
		WithBackoffFunc("give-up", func(int, error) time.Duration { return -1 }),
	)

	job := func(attempts int, mutate func(*core.JobOptions)) *core.Job {
		opts := core.DefaultJobOptions()
		opts.MaxAttempts = 5
		mutate(&opts)
		return &core.Job{ID: "j", AttemptsMade: attempts, Options: opts}
	}
	errBoom := errors.New("boom")

	tests := []struct {
		name  string
		job   *core.Job
		want  time.Duration
		retry bool
	}{
		{"fixed", job(3, func(o *core.JobOptions) { o.BackoffDelayMs = 1000 }), time.Second, true},
		{"linear", job(3, func(o *core.JobOptions) { o.BackoffType = core.BackoffLinear; o.BackoffDelayMs = 1000 }), 3 * time.Second, true},
		{"exponential", job(3, func(o *core.JobOptions) { o.BackoffType = core.BackoffExponential; o.BackoffDelayMs = 1000 }), 4 * time.Second, true},
		{"none", job(1, func(o *core.JobOptions) { o.BackoffType = core.BackoffNone }), 0, false},
		{"exhausted", job(5, func(*core.JobOptions) {}), 0, false},
		{"custom", job(3, func(o *core.JobOptions) { o.BackoffType = core.BackoffCustom; o.BackoffFunc = "square" }), 9 * time.Second, true},
		{"custom veto", job(1, func(o *core.JobOptions) { o.BackoffType = core.BackoffCustom; o.BackoffFunc = "give-up" }), 0, false},
		{"custom unknown", job(1, func(o *core.JobOptions) {
			o.BackoffType = core.BackoffCustom
			o.BackoffFunc = "missing"
			o.BackoffDelayMs = 250
		}), 250 * time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, retry := svc.RetryDelay(tt.job, errBoom)
			assert.Equal(t, tt.retry, retry)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegisterBackoff_IgnoresInvalid(t *testing.T) {
	svc := New(storage.NewMemoryStorage())
	svc.RegisterBackoff("", func(int, error) time.Duration { return 0 })
	svc.RegisterBackoff("nil", nil)
	_, ok := svc.backoffFunc("nil")
	assert.False(t, ok)
}

// ─── Progress and logs ──────────────────────────────────────────────────────

func TestUpdateJobProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", nil)
	require.NotNil(t, f.claim(t, "w1"))

	require.NoError(t, f.svc.UpdateJobProgress(ctx, "job-1", "w1", map[string]int{"done": 3}))
	assert.JSONEq(t, `{"done":3}`, string(f.get(t, "job-1").Progress))

	ev, ok := f.events.Last().(*core.JobProgress)
	require.True(t, ok)
	assert.JSONEq(t, `{"done":3}`, string(ev.Progress))

	require.NoError(t, f.svc.UpdateJobProgress(ctx, "job-1", "w2", 99))
	assert.JSONEq(t, `{"done":3}`, string(f.get(t, "job-1").Progress))
	assert.Equal(t, core.StatusActive, f.get(t, "job-1").Status)
}

func TestAddJobLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "job-1", nil)
	require.NotNil(t, f.claim(t, "w1"))

	require.NoError(t, f.svc.AddJobLog(ctx, "job-1", "w1", "step one", ""))
	require.NoError(t, f.svc.AddJobLog(ctx, "job-1", "w1", "step two", "WARN"))
	require.NoError(t, f.svc.AddJobLog(ctx, "job-1", "w2", "not mine", "INFO"))

	logs := f.get(t, "job-1").Logs
	require.Len(t, logs, 2)
	assert.Equal(t, "step one", logs[0].Message)
	assert.Equal(t, "INFO", logs[0].Level)
	assert.Equal(t, "WARN", logs[1].Level)

	ev, ok := f.events.Last().(*core.JobLog)
	require.True(t, ok)
	assert.Equal(t, "step two", ev.Entry.Message)
}

func TestAddJobLog_CapsEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.add(t, "job-1", nil)
	require.NotNil(t, f.claim(t, "w1"))

	job = f.get(t, job.ID)
	for i := range security.MaxLogEntries {
		job.AddLog(fmt.Sprintf("line %d", i), "INFO", f.clock.Now())
	}
	require.NoError(t, f.repo.Save(ctx, job))

	require.NoError(t, f.svc.AddJobLog(ctx, "job-1", "w1", "newest", "INFO"))
	logs := f.get(t, "job-1").Logs
	require.Len(t, logs, security.MaxLogEntries)
	assert.Equal(t, "line 1", logs[0].Message)
	assert.Equal(t, "newest", logs[len(logs)-1].Message)
}

// ─── SQLite ─────────────────────────────────────────────────────────────────

func TestService_OnSQLite(t *testing.T) {
	db, err := storage.Open(storage.OpenConfig{Driver: storage.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	repo := storage.NewGormStorage(db)
	ctx := context.Background()
	require.NoError(t, repo.Migrate(ctx))

	clk := newClock()
	svc := New(repo, WithClock(clk.Now))

	opts := core.DefaultJobOptions()
	opts.MaxAttempts = 2
	job, err := core.NewJob("job-1", "default", "work", nil, opts, 0, clk.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, job))

	claimed, err := svc.FetchNextJobAndLock(ctx, "w1", time.Minute, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, svc.AddJobLog(ctx, "job-1", "w1", "hello", "INFO"))
	require.NoError(t, svc.MarkJobAsFailed(ctx, "job-1", "w1", errors.New("first try")))

	stored, err := repo.FindByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusDelayed, stored.Status)
	assert.Len(t, stored.Logs, 1)
	assert.Equal(t, 1, stored.AttemptsMade)
}
