package agentqueue

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Queue for tests and single-process deployments.
type Memory struct {
	mu    sync.Mutex
	lists map[string][]string
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-memory agent queue.
func NewMemory() *Memory {
	return &Memory{lists: make(map[string][]string)}
}

func (m *Memory) Push(_ context.Context, key, jobID string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	m.lists[key] = append(m.lists[key], jobID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Pop(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	id := list[0]
	if len(list) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = list[1:]
	}
	return id, true, nil
}

func (m *Memory) Len(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) Remove(_ context.Context, key, jobID string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := slices.DeleteFunc(m.lists[key], func(id string) bool { return id == jobID })
	if len(list) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = list
	}
	return nil
}
