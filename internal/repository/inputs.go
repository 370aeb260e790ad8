package repository

import (
	"encoding/json"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
)

type AddJobInput struct {
	JobType            string
	Payload            json.RawMessage
	Priority           int
	MaxAttempts        int        // 0 = default 3
	RunAt              *time.Time // nil = now
	TimeoutMs          int
	ForceKillOnTimeout bool
	Tags               []string
	IdempotencyKey     string // empty = not idempotent
}

// JobQuery selects jobs for listing. Offset pagination and keyset
// pagination (id < Cursor) are mutually exclusive; Cursor wins when set.
type JobQuery struct {
	Status   *domain.JobStatus
	JobType  string
	Tags     []string
	TagMode  domain.TagQueryMode // required when Tags is non-empty
	Cursor   int64               // 0 = first page
	Offset   int
	Limit    int // 0 = default 100
}

// JobFilter narrows bulk operations. All set fields must match.
type JobFilter struct {
	JobType string
	Tags    []string
	TagMode domain.TagQueryMode
}

// JobUpdate carries the editable fields of a pending job. Nil means leave
// unchanged.
type JobUpdate struct {
	Payload     json.RawMessage
	Priority    *int
	Tags        []string // nil = unchanged, empty = clear
	RunAt       *time.Time
	TimeoutMs   *int
	MaxAttempts *int
}

func (u JobUpdate) Empty() bool {
	return u.Payload == nil && u.Priority == nil && u.Tags == nil &&
		u.RunAt == nil && u.TimeoutMs == nil && u.MaxAttempts == nil
}

// WaitInput describes a processing -> waiting transition. Exactly one of
// WaitFor/WaitUntil/WaitTokenID must be set. WaitFor is resolved against the
// backend clock.
type WaitInput struct {
	WaitFor     *time.Duration
	WaitUntil   *time.Time
	WaitTokenID *string
	StepData    domain.StepData
}

type CreateWaitpointInput struct {
	Timeout string // "Ns" | "Nm" | "Nh" | "Nd", empty = no expiry
	Tags    []string
}

type AddCronInput struct {
	ScheduleName   string
	CronExpression string
	Timezone       string // empty = UTC
	JobType        string
	Payload        json.RawMessage
	Priority       int
	MaxAttempts    int
	TimeoutMs      int
	ForceKill      bool
	Tags           []string
	AllowOverlap   bool
	NextRunAt      time.Time
}

type CronUpdate struct {
	CronExpression *string
	Timezone       *string
	Payload        json.RawMessage
	Priority       *int
	MaxAttempts    *int
	TimeoutMs      *int
	Tags           []string
	AllowOverlap   *bool
	NextRunAt      *time.Time // recomputed by the caller when the expression or tz changes
}
