// Package jobctx provides public access to job context for handlers.
package jobctx

import (
	"context"
	"fmt"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
	intctx "github.com/jdziat/durable-job-scheduler/pkg/internal/context"
)

// Log levels accepted by Log.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// JobFromContext returns the current Job from context, or nil if not in a job handler.
// Use this to get the job ID for logging or progress tracking.
func JobFromContext(ctx context.Context) *core.Job {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return nil
	}
	return jc.Job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// WorkerIDFromContext returns the id of the worker running the current job.
func WorkerIDFromContext(ctx context.Context) string {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return ""
	}
	return jc.WorkerID
}

// AttemptFromContext returns the 1-based attempt number of the current job,
// or 0 outside a handler.
func AttemptFromContext(ctx context.Context) int {
	job := JobFromContext(ctx)
	if job == nil {
		return 0
	}
	return job.AttemptsMade
}

// Progress records progress for the current job. The value is stored as
// JSON. Returns nil if not running within a job handler.
func Progress(ctx context.Context, progress any) error {
	jc := intctx.GetJobContext(ctx)
	if jc == nil || jc.Reporter == nil {
		return nil // Not in a job context, silently skip
	}
	return jc.Reporter.UpdateJobProgress(ctx, jc.Job.ID, jc.WorkerID, progress)
}

// Log appends a log line to the current job.
// Returns nil if not running within a job handler.
func Log(ctx context.Context, level, message string) error {
	jc := intctx.GetJobContext(ctx)
	if jc == nil || jc.Reporter == nil {
		return nil
	}
	return jc.Reporter.AddJobLog(ctx, jc.Job.ID, jc.WorkerID, message, level)
}

// Logf formats and appends an INFO log line to the current job.
func Logf(ctx context.Context, format string, args ...any) error {
	return Log(ctx, LevelInfo, fmt.Sprintf(format, args...))
}
