package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/durable-job-scheduler/pkg/core"
)

// Schedule computes the next run time of a recurring job. String returns an
// expression that Parse turns back into an equivalent Schedule, which is how
// schedules are persisted.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

func (s *everySchedule) String() string {
	return "@every " + s.interval.String()
}

// dailySchedule runs at a specific time each day.
type dailySchedule struct {
	hour   int
	minute int
	loc    *time.Location
}

// Daily creates a schedule that runs at a specific time each day (UTC).
func Daily(hour, minute int) Schedule {
	return &dailySchedule{hour: hour, minute: minute, loc: time.UTC}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *dailySchedule) String() string {
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", s.loc, s.minute, s.hour)
}

// weeklySchedule runs at a specific day and time each week.
type weeklySchedule struct {
	day    time.Weekday
	hour   int
	minute int
	loc    *time.Location
}

// Weekly creates a schedule that runs at a specific day and time each week (UTC).
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return &weeklySchedule{day: day, hour: hour, minute: minute, loc: time.UTC}
}

func (s *weeklySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)

	daysUntil := int(s.day - from.Weekday())
	if daysUntil < 0 {
		daysUntil += 7
	}

	next := time.Date(from.Year(), from.Month(), from.Day()+daysUntil, s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (s *weeklySchedule) String() string {
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %d", s.loc, s.minute, s.hour, int(s.day))
}

// cronSchedule wraps a parsed cron expression.
type cronSchedule struct {
	expr     string
	schedule cron.Schedule
}

// Cron creates a schedule from a cron expression. It panics on an invalid
// expression; use Parse for untrusted input.
func Cron(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic("invalid cron expression: " + err.Error())
	}
	return s
}

// Parse parses a five-field cron expression, a descriptor such as "@hourly",
// or an interval such as "@every 90s". A CRON_TZ= prefix selects the zone.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", core.ErrInvalidSchedule)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidSchedule, err)
	}
	return &cronSchedule{expr: expr, schedule: sched}, nil
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *cronSchedule) String() string {
	return s.expr
}
