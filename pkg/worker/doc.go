// Package worker provides the Worker type for job processing.
//
// A Worker polls one queue through the processing service, runs the
// registered handler for each claimed job, keeps the claim alive with
// heartbeats, and reports the outcome. On shutdown it stops claiming and
// waits for in-flight jobs, cancelling them after ShutdownTimeout.
//
// Most users should import the root package github.com/jdziat/durable-job-scheduler
// which provides access to worker configuration through queue.NewWorker().
package worker
