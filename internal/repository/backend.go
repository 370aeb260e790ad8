package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
)

// Backend is the sole abstraction boundary between the queue engine and
// storage. Two implementations exist (postgres, redis); both must satisfy
// the same observable contract. The processor, supervisor and facade depend
// on this interface only, which also lets tests pass a fake.
type Backend interface {
	JobStore
	EventStore
	WaitpointStore
	CronStore

	// Ping verifies the store is reachable. Satisfies health checks.
	Ping(ctx context.Context) error
	Close()
}

type JobStore interface {
	// AddJob inserts a pending job. When IdempotencyKey matches an existing
	// non-deleted row, the existing job is returned with created=false,
	// regardless of its status.
	AddJob(ctx context.Context, in AddJobInput) (job *domain.Job, created bool, err error)
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	GetJobs(ctx context.Context, q JobQuery) ([]*domain.Job, error)
	GetJobCounts(ctx context.Context) (map[domain.JobStatus]int, error)

	// GetNextBatch atomically claims up to batchSize due pending jobs for
	// workerID: status becomes processing, attempts increments, lock fields
	// are stamped. Two concurrent callers never receive the same row.
	// Timer waits that have come due are promoted back to pending first.
	GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypes []string) ([]*domain.Job, error)

	CompleteJob(ctx context.Context, id int64) error
	// FailJob appends to the error history and either reschedules the job
	// with exponential backoff (attempts < maxAttempts) or marks it failed.
	// The updated job is returned so callers can observe which path was taken.
	FailJob(ctx context.Context, id int64, errMsg string, reason domain.FailureReason) (*domain.Job, error)
	// ProlongJob refreshes lockedAt; long handlers call this as a heartbeat
	// so the supervisor does not reclaim them.
	ProlongJob(ctx context.Context, id int64) error
	RetryJob(ctx context.Context, id int64) error
	CancelJob(ctx context.Context, id int64) error
	CancelAllUpcomingJobs(ctx context.Context, f JobFilter) (int, error)
	EditJob(ctx context.Context, id int64, upd JobUpdate) (*domain.Job, error)
	EditAllPendingJobs(ctx context.Context, f JobFilter, upd JobUpdate) (int, error)

	// ReclaimStuckJobs returns processing rows whose lock is older than
	// maxAge to pending. Attempts are NOT incremented; the claim already
	// counted this attempt.
	ReclaimStuckJobs(ctx context.Context, maxAge time.Duration) (int, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)
	CleanupOldJobEvents(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)

	// WaitJob transitions a processing job to waiting and persists the
	// step data captured so far.
	WaitJob(ctx context.Context, id int64, in WaitInput) error
	// UpdateStepData persists step data mid-handler. Best-effort: callers
	// must treat an error as non-fatal.
	UpdateStepData(ctx context.Context, id int64, stepData domain.StepData) error
	SetJobProgress(ctx context.Context, id int64, progress int) error
	SetJobOutput(ctx context.Context, id int64, output json.RawMessage) error
	// SetPendingReasonForJobType stamps a diagnostic on pending jobs of a
	// type nobody handles.
	SetPendingReasonForJobType(ctx context.Context, jobType, reason string) (int, error)
}

type EventStore interface {
	RecordJobEvent(ctx context.Context, jobID int64, typ domain.EventType, metadata json.RawMessage) error
	GetJobEvents(ctx context.Context, jobID int64, limit int) ([]*domain.JobEvent, error)
}

type WaitpointStore interface {
	CreateWaitpoint(ctx context.Context, jobID *int64, in CreateWaitpointInput) (*domain.Waitpoint, error)
	GetWaitpoint(ctx context.Context, id string) (*domain.Waitpoint, error)
	// CompleteWaitpoint marks a pending token completed and wakes the
	// associated waiting job. Idempotent: non-pending tokens are a no-op.
	CompleteWaitpoint(ctx context.Context, id string, data json.RawMessage) error
	// ExpireTimedOutWaitpoints expires pending tokens past their timeout
	// and wakes their waiting jobs with a token_timeout marker.
	ExpireTimedOutWaitpoints(ctx context.Context) (int, error)
}

type CronStore interface {
	AddCronSchedule(ctx context.Context, in AddCronInput) (*domain.CronSchedule, error)
	GetCronSchedule(ctx context.Context, id int64) (*domain.CronSchedule, error)
	GetCronScheduleByName(ctx context.Context, name string) (*domain.CronSchedule, error)
	ListCronSchedules(ctx context.Context) ([]*domain.CronSchedule, error)
	PauseCronSchedule(ctx context.Context, id int64) error
	ResumeCronSchedule(ctx context.Context, id int64) error
	EditCronSchedule(ctx context.Context, id int64, upd CronUpdate) (*domain.CronSchedule, error)
	RemoveCronSchedule(ctx context.Context, id int64) error

	// GetDueCronSchedules claims active schedules with nextRunAt <= now,
	// skipping rows locked by a concurrent supervisor.
	GetDueCronSchedules(ctx context.Context, limit int) ([]*domain.CronSchedule, error)
	UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, enqueuedAt time.Time, jobID *int64, nextRunAt time.Time) error
}
