package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
)

// Handler is the user-supplied function invoked once per attempt. The
// context doubles as the cancel signal: it is cancelled on timeout and on
// processor drain, and well-behaved handlers return promptly when it fires.
type Handler func(ctx context.Context, payload json.RawMessage, job *JobContext) error

// Handlers maps a job type to its handler. Handlers are passed into each
// processor at construction; there is no shared mutable registry.
type Handlers map[string]Handler

// IsolatedHandler runs in a child process so a timeout can hard-kill it.
// It must be a self-contained top-level function: no JobContext, no
// captured state. RegisterIsolated validates this at registration time.
type IsolatedHandler func(ctx context.Context, payload json.RawMessage) (any, error)

type IsolatedHandlers map[string]IsolatedHandler

// JobOptions configures AddJob.
type JobOptions struct {
	JobType            string
	Payload            any
	Priority           int
	MaxAttempts        int // 0 = default 3
	RunAt              *time.Time
	TimeoutMs          int
	ForceKillOnTimeout bool
	Tags               []string
	IdempotencyKey     string
}

// ProcessorOptions configures a processor. Zero values fall back to the
// documented defaults.
type ProcessorOptions struct {
	WorkerID         string        // default "<hostname>-<pid>-<uuid8>"
	BatchSize        int           // default 10
	Concurrency      int           // default 3, capped at BatchSize
	PollInterval     time.Duration // default 5s
	JobTypes         []string      // empty = claim every type
	Verbose          bool
	OnError          func(error)
	DefaultTimeoutMs int
	Isolated         IsolatedHandlers
}

// SupervisorOptions configures the background maintenance loop.
type SupervisorOptions struct {
	Interval              time.Duration // default 60s
	StuckJobsTimeout      time.Duration // default 10m
	CleanupJobsDaysToKeep int           // default 30
	CleanupEventsDays     int           // default 30
	CleanupBatchSize      int           // default 1000
	ReclaimStuckJobs      *bool         // default true
	ExpireTimedOutTokens  *bool         // default true
	OnError               func(error)
	Verbose               bool
}

// CronScheduleOptions configures AddCronJob.
type CronScheduleOptions struct {
	ScheduleName       string
	CronExpression     string
	Timezone           string // default UTC
	JobType            string
	Payload            any
	Priority           int
	MaxAttempts        int
	TimeoutMs          int
	ForceKillOnTimeout bool
	Tags               []string
	AllowOverlap       bool
}

// CronScheduleUpdate edits an existing schedule. Nil fields are left
// unchanged; changing the expression or timezone recomputes nextRunAt.
type CronScheduleUpdate struct {
	CronExpression *string
	Timezone       *string
	Payload        any
	HasPayload     bool
	Priority       *int
	MaxAttempts    *int
	TimeoutMs      *int
	Tags           []string
	AllowOverlap   *bool
}

// CreateTokenOptions configures a waitpoint. Timeout uses the shorthand
// "Ns" | "Nm" | "Nh" | "Nd".
type CreateTokenOptions struct {
	Timeout string
	Tags    []string
}

// TokenResult is what WaitForToken reports once the token resolves.
type TokenResult struct {
	OK    bool
	Data  json.RawMessage
	Error string // "timeout" when the token expired
}

// JobUpdateOptions carries the pending-only editable fields for EditJob.
type JobUpdateOptions struct {
	Payload     any
	HasPayload  bool
	Priority    *int
	Tags        []string
	RunAt       *time.Time
	TimeoutMs   *int
	MaxAttempts *int
}

// JobFilterOptions narrows bulk cancel/edit operations.
type JobFilterOptions struct {
	JobType string
	Tags    []string
	TagMode domain.TagQueryMode
}
