package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// MemoryStorage implements core.Repository in process memory. It stores
// copies of every record and serialises mutations behind one mutex, so
// AcquireLock and CompareAndSave keep the same atomic contract as the
// database-backed storage.
type MemoryStorage struct {
	mu        sync.Mutex
	jobs      map[string]*core.Job
	paused    map[string]bool
	schedules map[string]*core.RepeatableSchedule // keyed by queue + "\x00" + name
}

var _ core.Repository = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:      make(map[string]*core.Job),
		paused:    make(map[string]bool),
		schedules: make(map[string]*core.RepeatableSchedule),
	}
}

// Migrate is a no-op.
func (m *MemoryStorage) Migrate(context.Context) error { return nil }

func (m *MemoryStorage) FindByID(_ context.Context, id string) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Clone(), nil
}

func (m *MemoryStorage) FindByIDs(_ context.Context, ids []string) ([]*core.Job, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []*core.Job
	var missing []string
	for _, id := range ids {
		if j, ok := m.jobs[id]; ok {
			found = append(found, j.Clone())
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

func (m *MemoryStorage) Save(_ context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked(job)
	return nil
}

func (m *MemoryStorage) SaveBatch(_ context.Context, jobs []*core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		m.saveLocked(job)
	}
	return nil
}

func (m *MemoryStorage) saveLocked(job *core.Job) {
	prepareJob(job)
	now := time.Now()
	if job.CreatedAt.IsZero() {
		if prev, ok := m.jobs[job.ID]; ok {
			job.CreatedAt = prev.CreatedAt
		} else {
			job.CreatedAt = now
		}
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	m.jobs[job.ID] = job.Clone()
}

func (m *MemoryStorage) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStorage) AcquireLock(_ context.Context, id, workerID string, lockUntil, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != core.StatusPending || !lockFree(j, now) {
		return false, nil
	}
	j.LockedBy = workerID
	j.LockExpiresAt = &lockUntil
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryStorage) ReleaseLock(_ context.Context, id, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != core.StatusPending || j.LockedBy == "" || j.LockedBy != workerID {
		return false, nil
	}
	j.LockedBy = ""
	j.LockExpiresAt = nil
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryStorage) CompareAndSave(_ context.Context, job *core.Job, expect core.Expect) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[job.ID]
	if !ok || cur.Status != expect.Status || cur.LockedBy != expect.LockedBy {
		return false, nil
	}
	next := job.Clone()
	next.CreatedAt = cur.CreatedAt
	m.jobs[job.ID] = next
	return true, nil
}

func (m *MemoryStorage) FindNextJobsToProcess(_ context.Context, queue string, now time.Time, limit int) ([]*core.Job, error) {
	return m.collect(func(j *core.Job) bool {
		return j.Status == core.StatusPending && (queue == "" || j.Queue == queue) &&
			!m.paused[j.Queue] && lockFree(j, now)
	}, byPriority, limit), nil
}

func (m *MemoryStorage) FindDelayedJobsToPromote(_ context.Context, now time.Time, limit int) ([]*core.Job, error) {
	return m.collect(func(j *core.Job) bool {
		return j.Status == core.StatusDelayed && j.ProcessAt != nil && !j.ProcessAt.After(now)
	}, func(a, b *core.Job) bool {
		if !a.ProcessAt.Equal(*b.ProcessAt) {
			return a.ProcessAt.Before(*b.ProcessAt)
		}
		return a.ID < b.ID
	}, limit), nil
}

func (m *MemoryStorage) FindStalledJobs(_ context.Context, now time.Time, limit int) ([]*core.Job, error) {
	return m.collect(func(j *core.Job) bool {
		return j.Status == core.StatusActive && j.LockExpiresAt != nil && j.LockExpiresAt.Before(now)
	}, func(a, b *core.Job) bool {
		if !a.LockExpiresAt.Equal(*b.LockExpiresAt) {
			return a.LockExpiresAt.Before(*b.LockExpiresAt)
		}
		return a.ID < b.ID
	}, limit), nil
}

func (m *MemoryStorage) FindWaitingJobs(_ context.Context, limit int) ([]*core.Job, error) {
	return m.collect(func(j *core.Job) bool {
		return j.Status == core.StatusWaitingChildren
	}, byCreation, limit), nil
}

func (m *MemoryStorage) Search(_ context.Context, filter core.JobFilter, page core.Pagination) (*core.SearchResult, error) {
	page = page.Normalize()
	all := m.collect(func(j *core.Job) bool { return matches(j, filter) }, func(a, b *core.Job) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt) != page.Ascending
		}
		return a.ID < b.ID
	}, -1)

	res := &core.SearchResult{Total: int64(len(all)), Page: page.Page, Limit: page.Limit}
	start := page.Offset()
	if start < len(all) {
		end := min(start+page.Limit, len(all))
		res.Jobs = all[start:end]
	}
	return res, nil
}

func (m *MemoryStorage) CountByStatus(_ context.Context, queue string, statuses ...core.JobStatus) (map[core.JobStatus]int64, error) {
	if len(statuses) == 0 {
		statuses = core.AllStatuses
	}
	counts := make(map[core.JobStatus]int64, len(statuses))
	for _, st := range statuses {
		counts[st] = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if queue != "" && j.Queue != queue {
			continue
		}
		if _, ok := counts[j.Status]; ok {
			counts[j.Status]++
		}
	}
	return counts, nil
}

// QueueCounts returns per-queue job counts grouped by status.
func (m *MemoryStorage) QueueCounts(_ context.Context) (map[string]map[core.JobStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]map[core.JobStatus]int64)
	for _, j := range m.jobs {
		qs, ok := result[j.Queue]
		if !ok {
			qs = make(map[core.JobStatus]int64)
			result[j.Queue] = qs
		}
		qs[j.Status]++
	}
	return result, nil
}

func (m *MemoryStorage) Clean(_ context.Context, queue string, olderThan time.Time, limit int, status core.JobStatus) (int64, error) {
	victims := m.collect(func(j *core.Job) bool {
		if j.Status != status || (queue != "" && j.Queue != queue) {
			return false
		}
		ref := j.CreatedAt
		if j.FinishedOn != nil {
			ref = *j.FinishedOn
		}
		return ref.Before(olderThan)
	}, byCreation, limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, j := range victims {
		if cur, ok := m.jobs[j.ID]; ok && cur.Status == status {
			delete(m.jobs, j.ID)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStorage) PauseQueue(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[queue] = true
	return nil
}

func (m *MemoryStorage) UnpauseQueue(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, queue)
	return nil
}

func (m *MemoryStorage) IsQueuePaused(_ context.Context, queue string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[queue], nil
}

func (m *MemoryStorage) GetPausedQueues(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queues := make([]string, 0, len(m.paused))
	for q := range m.paused {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues, nil
}

func (m *MemoryStorage) SaveSchedule(_ context.Context, rs *core.RepeatableSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scheduleKey(rs.Queue, rs.Name)
	now := time.Now()
	if existing, ok := m.schedules[key]; ok {
		rs.ID = existing.ID
		rs.CreatedAt = existing.CreatedAt
		rs.Revision = existing.Revision + 1
	} else {
		if rs.ID == "" {
			rs.ID = uuid.New().String()
		}
		if rs.CreatedAt.IsZero() {
			rs.CreatedAt = now
		}
	}
	rs.UpdatedAt = now
	m.schedules[key] = rs.Clone()
	return nil
}

func (m *MemoryStorage) FindDueSchedules(_ context.Context, now time.Time, limit int) ([]*core.RepeatableSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*core.RepeatableSchedule
	for _, rs := range m.schedules {
		if rs.Enabled && !rs.NextRunAt.After(now) {
			due = append(due, rs.Clone())
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextRunAt.Equal(due[k].NextRunAt) {
			return due[i].NextRunAt.Before(due[k].NextRunAt)
		}
		return due[i].ID < due[k].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStorage) AdvanceSchedule(_ context.Context, rs *core.RepeatableSchedule, next, lastRun time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.schedules[scheduleKey(rs.Queue, rs.Name)]
	if !ok || cur.ID != rs.ID || cur.Revision != rs.Revision {
		return false, nil
	}
	cur.NextRunAt = next
	cur.LastRunAt = &lastRun
	cur.Revision++
	cur.UpdatedAt = time.Now()

	rs.NextRunAt = next
	rs.LastRunAt = &lastRun
	rs.Revision = cur.Revision
	return true, nil
}

func (m *MemoryStorage) DeleteSchedule(_ context.Context, queue, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scheduleKey(queue, name)
	if _, ok := m.schedules[key]; !ok {
		return core.ErrScheduleNotFound
	}
	delete(m.schedules, key)
	return nil
}

func (m *MemoryStorage) ListSchedules(_ context.Context, queue string) ([]*core.RepeatableSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []*core.RepeatableSchedule
	for _, rs := range m.schedules {
		if queue == "" || rs.Queue == queue {
			list = append(list, rs.Clone())
		}
	}
	sort.Slice(list, func(i, k int) bool {
		if list[i].Queue != list[k].Queue {
			return list[i].Queue < list[k].Queue
		}
		return list[i].Name < list[k].Name
	})
	return list, nil
}

// collect returns sorted copies of the jobs matching keep. limit <= 0
// returns every match.
func (m *MemoryStorage) collect(keep func(*core.Job) bool, less func(a, b *core.Job) bool, limit int) []*core.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func lockFree(j *core.Job, now time.Time) bool {
	return j.LockedBy == "" || j.LockExpiresAt == nil || j.LockExpiresAt.Before(now)
}

func matches(j *core.Job, f core.JobFilter) bool {
	if f.Queue != "" && j.Queue != f.Queue {
		return false
	}
	if f.Name != "" && j.Name != f.Name {
		return false
	}
	if f.AgentKey != "" && j.AgentKey != f.AgentKey {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if j.Status == st {
			return true
		}
	}
	return false
}

func byPriority(a, b *core.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return byCreation(a, b)
}

func byCreation(a, b *core.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func scheduleKey(queue, name string) string {
	return queue + "\x00" + name
}
