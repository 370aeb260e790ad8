package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusWaiting    JobStatus = "waiting"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a status never transitions further on its own.
// Only an explicit RetryJob moves a job out of a terminal status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type FailureReason string

const (
	FailureTimeout      FailureReason = "timeout"
	FailureHandlerError FailureReason = "handler_error"
	FailureNoHandler    FailureReason = "no_handler"
	FailureCancelled    FailureReason = "cancelled"
	FailureTokenTimeout FailureReason = "token_timeout"
)

// TagQueryMode selects the set predicate applied to a job's tags.
type TagQueryMode string

const (
	TagModeExact TagQueryMode = "exact" // tags equal the query set
	TagModeAll   TagQueryMode = "all"   // tags are a superset of the query set
	TagModeAny   TagQueryMode = "any"   // intersection is non-empty
	TagModeNone  TagQueryMode = "none"  // intersection is empty
)

func (m TagQueryMode) Valid() bool {
	switch m {
	case TagModeExact, TagModeAll, TagModeAny, TagModeNone:
		return true
	}
	return false
}

// ErrorEntry is one record in a job's error history.
type ErrorEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StepData maps step names to their persisted return values. A key present
// here means the step already ran to completion on a prior attempt.
type StepData map[string]json.RawMessage

type Job struct {
	ID       int64
	JobType  string
	Payload  json.RawMessage
	Status   JobStatus
	Priority int
	RunAt    time.Time

	Attempts      int
	MaxAttempts   int
	NextAttemptAt *time.Time

	LockedAt *time.Time
	LockedBy *string

	TimeoutMs          int // 0 means "use the processor default"
	ForceKillOnTimeout bool

	Tags           []string
	IdempotencyKey *string

	ErrorHistory  []ErrorEntry
	FailureReason *FailureReason
	PendingReason *string

	WaitUntil   *time.Time
	WaitTokenID *string
	StepData    StepData

	Progress int
	Output   json.RawMessage

	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastRetriedAt   *time.Time
	LastFailedAt    *time.Time
	LastCancelledAt *time.Time
}

// RetryDelay returns the backoff before the next attempt: exponential with
// base 2 on minutes (attempt 1 -> 1m, 2 -> 2m, 3 -> 4m, ...).
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(1<<(attempts-1)) * time.Minute
}

// MatchTags evaluates a tag predicate against a job's tag set.
func MatchTags(jobTags, queryTags []string, mode TagQueryMode) bool {
	set := make(map[string]struct{}, len(jobTags))
	for _, t := range jobTags {
		set[t] = struct{}{}
	}
	switch mode {
	case TagModeExact:
		if len(set) != len(uniqueTags(queryTags)) {
			return false
		}
		for _, t := range queryTags {
			if _, ok := set[t]; !ok {
				return false
			}
		}
		return true
	case TagModeAll:
		for _, t := range queryTags {
			if _, ok := set[t]; !ok {
				return false
			}
		}
		return true
	case TagModeAny:
		for _, t := range queryTags {
			if _, ok := set[t]; ok {
				return true
			}
		}
		return false
	case TagModeNone:
		for _, t := range queryTags {
			if _, ok := set[t]; ok {
				return false
			}
		}
		return true
	}
	return false
}

func uniqueTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
