// Package queue provides the Queue type, the producer side of a named job queue.
//
// This package includes:
//   - Queue: handler registration, Add/AddBulk/AddFlow, queries, pause/resume, clean
//   - Option: per-job options such as Delay, Attempts, Backoff and DependsOn
//   - QueueOption: queue wiring such as agent routing and background maintenance
//   - Hook registration for job lifecycle events
//   - Event subscription for monitoring
//
// Most users should import the root package github.com/jdziat/durable-job-scheduler
// which re-exports Queue and all option functions.
package queue
