package context

import (
	"context"
	"testing"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

func TestWithJobContextAndGetJobContext(t *testing.T) {
	t.Run("stores and retrieves job context", func(t *testing.T) {
		// Arrange
		baseCtx := context.Background()
		job := &core.Job{
			ID:   "test-job-123",
			Name: "email",
		}
		jc := &JobContext{
			Job:      job,
			WorkerID: "worker-1",
		}

		// Act
		ctx := WithJobContext(baseCtx, jc)
		retrieved := GetJobContext(ctx)

		// Assert
		if retrieved == nil || retrieved.Job == nil {
			t.Fatal("job context or job is nil")
		}
		if retrieved.Job.ID != job.ID {
			t.Errorf("expected job ID %q, got %q", job.ID, retrieved.Job.ID)
		}
		if retrieved.WorkerID != "worker-1" {
			t.Errorf("expected worker ID %q, got %q", "worker-1", retrieved.WorkerID)
		}
	})

	t.Run("returns nil when job context not set", func(t *testing.T) {
		// Arrange
		ctx := context.Background()

		// Act
		jc := GetJobContext(ctx)

		// Assert
		if jc != nil {
			t.Errorf("expected nil, got %v", jc)
		}
	})

	t.Run("overwrites previous job context", func(t *testing.T) {
		// Arrange
		baseCtx := context.Background()
		jc1 := &JobContext{Job: &core.Job{ID: "job-1"}, WorkerID: "worker-1"}
		jc2 := &JobContext{Job: &core.Job{ID: "job-2"}, WorkerID: "worker-2"}

		// Act
		ctx := WithJobContext(WithJobContext(baseCtx, jc1), jc2)
		retrieved := GetJobContext(ctx)

		// Assert
		if retrieved != jc2 {
			t.Errorf("expected the most recent job context, got %+v", retrieved)
		}
	})

	t.Run("ignores values of the wrong type", func(t *testing.T) {
		// Arrange
		ctx := context.WithValue(context.Background(), JobContextKey{}, "not a job context")

		// Act
		jc := GetJobContext(ctx)

		// Assert
		if jc != nil {
			t.Errorf("expected nil, got %v", jc)
		}
	})
}
