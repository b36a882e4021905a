// Package agentqueue keeps a FIFO of job ids per agent key.
//
// Jobs enqueued with an agent key are pushed here as well as persisted;
// a worker asking for a specific agent pops the next id and then claims
// that job through the repository. The list is only an ordering hint:
// the repository lock decides who runs a job, so a stale or duplicate id
// costs one wasted lookup and nothing more.
package agentqueue

import (
	"context"
	"errors"
)

// ErrEmptyKey is returned when an operation is called without an agent key.
var ErrEmptyKey = errors.New("jobs: agent key must not be empty")

// Queue is the per-agent ordering structure.
type Queue interface {
	// Push appends jobID to the end of key's list.
	Push(ctx context.Context, key, jobID string) error
	// Pop removes and returns the head of key's list. ok is false when the list is empty.
	Pop(ctx context.Context, key string) (jobID string, ok bool, err error)
	// Len returns the number of ids queued under key.
	Len(ctx context.Context, key string) (int64, error)
	// Remove drops every occurrence of jobID from key's list.
	Remove(ctx context.Context, key, jobID string) error
}
