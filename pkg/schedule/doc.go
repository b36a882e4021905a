// Package schedule provides schedule values for repeatable jobs.
//
// This package includes:
//   - Schedule interface for defining job schedules
//   - Every() for fixed-interval schedules
//   - Daily() for daily schedules at a specific time
//   - Weekly() for weekly schedules on a specific day and time
//   - Cron() and Parse() for cron expressions and descriptors
//
// Repeatable schedules are persisted by their String() form and rebuilt
// with Parse when the scheduler fires them.
package schedule
