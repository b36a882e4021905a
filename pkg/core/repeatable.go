package core

import "time"

// RepeatableSchedule is a recurring job template. The scheduler fires it
// whenever NextRunAt has passed, enqueueing a one-shot Job built from the
// template and advancing NextRunAt along Spec.
type RepeatableSchedule struct {
	ID        string     `gorm:"primaryKey;size:36"`
	Queue     string     `gorm:"uniqueIndex:idx_repeatable_queue_name;size:255;not null"`
	Name      string     `gorm:"uniqueIndex:idx_repeatable_queue_name;size:255;not null"`
	Spec      string     `gorm:"size:255;not null"`
	Payload   []byte     `gorm:"type:bytes"`
	Priority  int        `gorm:"default:0"`
	Options   JobOptions `gorm:"embedded;embeddedPrefix:job_"`
	AgentKey  string     `gorm:"size:255"`
	Enabled   bool       `gorm:"index;not null"`
	NextRunAt time.Time  `gorm:"index"`
	LastRunAt *time.Time
	// Revision is bumped on every advance; concurrent schedulers race on it.
	Revision  int64 `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the schedule.
func (s *RepeatableSchedule) Clone() *RepeatableSchedule {
	if s == nil {
		return nil
	}
	c := *s
	c.Payload = cloneBytes(s.Payload)
	c.LastRunAt = cloneTime(s.LastRunAt)
	if s.Options.DependsOnJobIDs != nil {
		c.Options.DependsOnJobIDs = append(c.Options.DependsOnJobIDs[:0:0], s.Options.DependsOnJobIDs...)
	}
	if s.Options.BackoffMaxDelayMs != nil {
		v := *s.Options.BackoffMaxDelayMs
		c.Options.BackoffMaxDelayMs = &v
	}
	return &c
}
