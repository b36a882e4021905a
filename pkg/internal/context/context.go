// Package context carries the running job through a handler's context.
package context

import (
	"context"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// JobContextKey is the key for storing job context in context.Context.
type JobContextKey struct{}

// Reporter records worker telemetry for a job it owns.
// processing.Service implements it.
type Reporter interface {
	UpdateJobProgress(ctx context.Context, jobID, workerID string, progress any) error
	AddJobLog(ctx context.Context, jobID, workerID, message, level string) error
}

// JobContext holds the current job and the worker executing it.
type JobContext struct {
	Job      *core.Job
	WorkerID string
	Reporter Reporter
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(JobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, JobContextKey{}, jc)
}
