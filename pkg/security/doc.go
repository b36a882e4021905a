// Package security provides validation, sanitization, and limits for the jobs package.
//
// This package includes:
//   - Input validation for job names, queue names and agent keys
//   - Error message sanitization to prevent sensitive data leakage
//   - Clamping functions to enforce safe limits on attempts and concurrency
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/jdziat/durable-job-scheduler
// which re-exports these functions.
package security
