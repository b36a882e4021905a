// Package core provides the fundamental types and interfaces for the jobs package.
//
// This package contains:
//   - Job, QueueState and RepeatableSchedule data models with GORM annotations
//   - the job status machine and its guarded transitions
//   - backoff strategies and RetryPolicy
//   - the Repository interface defining the persistence contract
//   - Event types for queue monitoring
//   - Error types for job processing
//
// Most users should import the root package github.com/jdziat/durable-job-scheduler
// instead of this package directly.
package core
