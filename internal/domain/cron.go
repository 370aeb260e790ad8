package domain

import (
	"encoding/json"
	"time"
)

type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// CronSchedule is a declarative trigger that enqueues a job from its
// template each time next_run_at comes due.
type CronSchedule struct {
	ID             int64
	ScheduleName   string
	CronExpression string
	Timezone       string
	JobType        string
	Payload        json.RawMessage
	Priority       int
	MaxAttempts    int
	TimeoutMs      int
	ForceKill      bool
	Tags           []string
	AllowOverlap   bool
	Status         ScheduleStatus
	NextRunAt      time.Time
	LastEnqueuedAt *time.Time
	LastJobID      *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
