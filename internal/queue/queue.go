package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/crontab"
	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

const defaultMaxAttempts = 3

// Queue is the entry point for producers and operators. It validates
// inputs, delegates persistence to the backend and emits in-process
// lifecycle events. Workers are created from it via CreateProcessor and
// CreateSupervisor.
type Queue struct {
	backend  repository.Backend
	handlers Handlers
	logger   *slog.Logger
	emitter  *Emitter
}

func New(backend repository.Backend, handlers Handlers, logger *slog.Logger) *Queue {
	if handlers == nil {
		handlers = Handlers{}
	}
	return &Queue{
		backend:  backend,
		handlers: handlers,
		logger:   logger.With("component", "queue"),
		emitter:  NewEmitter(),
	}
}

// On subscribes to in-process lifecycle events. Events are local to this
// Queue instance, not replicated across processes.
func (q *Queue) On(kind EventKind, fn Listener) func() {
	return q.emitter.On(kind, fn)
}

// Close releases the event emitter and the backend connections.
func (q *Queue) Close() {
	q.emitter.Close()
	q.backend.Close()
}

// Ping verifies backend connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.backend.Ping(ctx)
}

// CreateProcessor builds a processor bound to this queue's handlers and
// event stream. Isolated handlers are validated here so a mis-registered
// closure fails at startup, not on the first force-kill job.
func (q *Queue) CreateProcessor(opts ProcessorOptions) (*Processor, error) {
	for jobType, fn := range opts.Isolated {
		if err := ValidateIsolatable(jobType, fn); err != nil {
			return nil, err
		}
	}
	return newProcessor(q.backend, q.handlers, q.emitter, q.logger, opts), nil
}

// CreateSupervisor builds the maintenance loop for this queue.
func (q *Queue) CreateSupervisor(opts SupervisorOptions) *Supervisor {
	return newSupervisor(q.backend, q.emitter, q.logger, opts)
}

// AddJob enqueues a job. With an idempotency key, re-enqueueing returns the
// existing job (whatever its status) instead of creating a duplicate; only
// a genuinely new row produces an added event.
func (q *Queue) AddJob(ctx context.Context, opts JobOptions) (*domain.Job, error) {
	if opts.JobType == "" {
		return nil, errors.New("job type is required")
	}
	if _, known := q.handlers[opts.JobType]; !known && len(q.handlers) > 0 {
		// Producers may legitimately enqueue types handled elsewhere, so
		// this is a warning, not an error.
		q.logger.Warn("enqueueing job type with no local handler", "job_type", opts.JobType)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	payload, err := marshalPayload(opts.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	job, created, err := q.backend.AddJob(ctx, repository.AddJobInput{
		JobType:            opts.JobType,
		Payload:            payload,
		Priority:           opts.Priority,
		MaxAttempts:        maxAttempts,
		RunAt:              opts.RunAt,
		TimeoutMs:          opts.TimeoutMs,
		ForceKillOnTimeout: opts.ForceKillOnTimeout,
		Tags:               opts.Tags,
		IdempotencyKey:     opts.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("add job: %w", err)
	}
	if created {
		q.emitter.Emit(Event{Kind: KindAdded, JobID: job.ID, Job: job})
	}
	return job, nil
}

func (q *Queue) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	return q.backend.GetJob(ctx, id)
}

// GetJobs lists jobs newest-first with optional status, type and tag
// filters. Pass a Cursor (last seen id) for keyset pagination.
func (q *Queue) GetJobs(ctx context.Context, query repository.JobQuery) ([]*domain.Job, error) {
	if len(query.Tags) > 0 && !query.TagMode.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTagMode, query.TagMode)
	}
	return q.backend.GetJobs(ctx, query)
}

func (q *Queue) GetJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid job status %q", status)
	}
	return q.backend.GetJobs(ctx, repository.JobQuery{Status: &status, Limit: limit})
}

func (q *Queue) GetJobsByTags(ctx context.Context, tags []string, mode domain.TagQueryMode, limit int) ([]*domain.Job, error) {
	return q.GetJobs(ctx, repository.JobQuery{Tags: tags, TagMode: mode, Limit: limit})
}

func (q *Queue) GetAllJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return q.backend.GetJobs(ctx, repository.JobQuery{Limit: limit})
}

// GetJobCounts returns the number of jobs per status, including zero
// entries for statuses with no jobs.
func (q *Queue) GetJobCounts(ctx context.Context) (map[domain.JobStatus]int, error) {
	return q.backend.GetJobCounts(ctx)
}

// RetryJob resets a failed or cancelled job for a fresh round of attempts.
func (q *Queue) RetryJob(ctx context.Context, id int64) error {
	if err := q.backend.RetryJob(ctx, id); err != nil {
		return err
	}
	q.emitter.Emit(Event{Kind: KindAdded, JobID: id})
	return nil
}

// CancelJob cancels a pending job. Any other status is a no-op: a running
// attempt is never interrupted.
func (q *Queue) CancelJob(ctx context.Context, id int64) error {
	return q.backend.CancelJob(ctx, id)
}

// CancelAllUpcomingJobs cancels every pending job matching the filter and
// returns the count.
func (q *Queue) CancelAllUpcomingJobs(ctx context.Context, f JobFilterOptions) (int, error) {
	if len(f.Tags) > 0 && !f.TagMode.Valid() {
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidTagMode, f.TagMode)
	}
	return q.backend.CancelAllUpcomingJobs(ctx, repository.JobFilter{
		JobType: f.JobType,
		Tags:    f.Tags,
		TagMode: f.TagMode,
	})
}

// EditJob updates a pending job in place. Non-pending jobs return
// ErrNotPending.
func (q *Queue) EditJob(ctx context.Context, id int64, opts JobUpdateOptions) (*domain.Job, error) {
	upd, err := buildJobUpdate(opts)
	if err != nil {
		return nil, err
	}
	if upd.Empty() {
		return q.backend.GetJob(ctx, id)
	}
	return q.backend.EditJob(ctx, id, upd)
}

// EditAllPendingJobs applies the update to every pending job matching the
// filter and returns the count.
func (q *Queue) EditAllPendingJobs(ctx context.Context, f JobFilterOptions, opts JobUpdateOptions) (int, error) {
	if len(f.Tags) > 0 && !f.TagMode.Valid() {
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidTagMode, f.TagMode)
	}
	upd, err := buildJobUpdate(opts)
	if err != nil {
		return 0, err
	}
	if upd.Empty() {
		return 0, nil
	}
	return q.backend.EditAllPendingJobs(ctx, repository.JobFilter{
		JobType: f.JobType,
		Tags:    f.Tags,
		TagMode: f.TagMode,
	}, upd)
}

// CleanupOldJobs deletes terminal jobs older than the retention window.
func (q *Queue) CleanupOldJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultCleanupBatch
	}
	return q.backend.CleanupOldJobs(ctx, olderThan, batchSize)
}

// CleanupOldJobEvents deletes audit rows older than the retention window.
func (q *Queue) CleanupOldJobEvents(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultCleanupBatch
	}
	return q.backend.CleanupOldJobEvents(ctx, olderThan, batchSize)
}

// ReclaimStuckJobs returns processing jobs whose lock is older than maxAge
// to pending, without consuming an extra attempt.
func (q *Queue) ReclaimStuckJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	return q.backend.ReclaimStuckJobs(ctx, maxAge)
}

// RecordJobEvent appends a custom entry to a job's audit log.
func (q *Queue) RecordJobEvent(ctx context.Context, jobID int64, typ domain.EventType, metadata any) error {
	var meta json.RawMessage
	if metadata != nil {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = encoded
	}
	return q.backend.RecordJobEvent(ctx, jobID, typ, meta)
}

// GetJobEvents lists a job's audit log, newest first.
func (q *Queue) GetJobEvents(ctx context.Context, jobID int64, limit int) ([]*domain.JobEvent, error) {
	return q.backend.GetJobEvents(ctx, jobID, limit)
}

// CreateToken creates a standalone waitpoint not bound to any job.
// Handlers use JobContext.CreateToken instead so the token is tied to
// their job.
func (q *Queue) CreateToken(ctx context.Context, opts CreateTokenOptions) (*domain.Waitpoint, error) {
	return q.backend.CreateWaitpoint(ctx, nil, repository.CreateWaitpointInput{
		Timeout: opts.Timeout,
		Tags:    opts.Tags,
	})
}

// CompleteToken resolves a pending token with the given data and wakes the
// job waiting on it. Completing an already-resolved token is a no-op.
func (q *Queue) CompleteToken(ctx context.Context, tokenID string, data any) error {
	var encoded json.RawMessage
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode token data: %w", err)
		}
		encoded = raw
	}
	if err := q.backend.CompleteWaitpoint(ctx, tokenID, encoded); err != nil {
		return err
	}
	q.emitter.Emit(Event{Kind: KindTokenCompleted})
	return nil
}

func (q *Queue) GetToken(ctx context.Context, tokenID string) (*domain.Waitpoint, error) {
	return q.backend.GetWaitpoint(ctx, tokenID)
}

// ExpireTimedOutTokens expires overdue tokens immediately, outside the
// supervisor cycle.
func (q *Queue) ExpireTimedOutTokens(ctx context.Context) (int, error) {
	return q.backend.ExpireTimedOutWaitpoints(ctx)
}

// AddCronJob registers a recurring schedule. The name must be unique; the
// first occurrence is computed from the expression and timezone at
// registration time.
func (q *Queue) AddCronJob(ctx context.Context, opts CronScheduleOptions) (*domain.CronSchedule, error) {
	if opts.ScheduleName == "" {
		return nil, errors.New("schedule name is required")
	}
	if opts.JobType == "" {
		return nil, errors.New("job type is required")
	}
	if !crontab.Validate(opts.CronExpression) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCronExpr, opts.CronExpression)
	}
	if _, err := crontab.LoadLocation(opts.Timezone); err != nil {
		return nil, err
	}
	next, err := crontab.NextOccurrence(opts.CronExpression, opts.Timezone, time.Now())
	if err != nil {
		return nil, err
	}
	if next.IsZero() {
		return nil, fmt.Errorf("%w: %q has no future occurrence", domain.ErrInvalidCronExpr, opts.CronExpression)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	payload, err := marshalPayload(opts.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return q.backend.AddCronSchedule(ctx, repository.AddCronInput{
		ScheduleName:   opts.ScheduleName,
		CronExpression: opts.CronExpression,
		Timezone:       opts.Timezone,
		JobType:        opts.JobType,
		Payload:        payload,
		Priority:       opts.Priority,
		MaxAttempts:    maxAttempts,
		TimeoutMs:      opts.TimeoutMs,
		ForceKill:      opts.ForceKillOnTimeout,
		Tags:           opts.Tags,
		AllowOverlap:   opts.AllowOverlap,
		NextRunAt:      next,
	})
}

func (q *Queue) GetCronJob(ctx context.Context, id int64) (*domain.CronSchedule, error) {
	return q.backend.GetCronSchedule(ctx, id)
}

func (q *Queue) GetCronJobByName(ctx context.Context, name string) (*domain.CronSchedule, error) {
	return q.backend.GetCronScheduleByName(ctx, name)
}

func (q *Queue) ListCronJobs(ctx context.Context) ([]*domain.CronSchedule, error) {
	return q.backend.ListCronSchedules(ctx)
}

// PauseCronJob stops future occurrences. Jobs already enqueued are not
// affected.
func (q *Queue) PauseCronJob(ctx context.Context, id int64) error {
	return q.backend.PauseCronSchedule(ctx, id)
}

// ResumeCronJob re-activates a paused schedule. The next occurrence is
// recomputed from now so missed occurrences during the pause do not fire.
func (q *Queue) ResumeCronJob(ctx context.Context, id int64) error {
	sched, err := q.backend.GetCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	next, err := crontab.NextOccurrence(sched.CronExpression, sched.Timezone, time.Now())
	if err != nil {
		return err
	}
	if _, err := q.backend.EditCronSchedule(ctx, id, repository.CronUpdate{NextRunAt: &next}); err != nil {
		return err
	}
	return q.backend.ResumeCronSchedule(ctx, id)
}

// EditCronJob updates a schedule. Changing the expression or timezone
// recomputes the next occurrence.
func (q *Queue) EditCronJob(ctx context.Context, id int64, opts CronScheduleUpdate) (*domain.CronSchedule, error) {
	sched, err := q.backend.GetCronSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	upd := repository.CronUpdate{
		CronExpression: opts.CronExpression,
		Timezone:       opts.Timezone,
		Priority:       opts.Priority,
		MaxAttempts:    opts.MaxAttempts,
		TimeoutMs:      opts.TimeoutMs,
		Tags:           opts.Tags,
		AllowOverlap:   opts.AllowOverlap,
	}
	if opts.HasPayload {
		payload, err := marshalPayload(opts.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		upd.Payload = payload
	}

	expr := sched.CronExpression
	if opts.CronExpression != nil {
		if !crontab.Validate(*opts.CronExpression) {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCronExpr, *opts.CronExpression)
		}
		expr = *opts.CronExpression
	}
	tz := sched.Timezone
	if opts.Timezone != nil {
		if _, err := crontab.LoadLocation(*opts.Timezone); err != nil {
			return nil, err
		}
		tz = *opts.Timezone
	}
	if opts.CronExpression != nil || opts.Timezone != nil {
		next, err := crontab.NextOccurrence(expr, tz, time.Now())
		if err != nil {
			return nil, err
		}
		upd.NextRunAt = &next
	}
	return q.backend.EditCronSchedule(ctx, id, upd)
}

func (q *Queue) RemoveCronJob(ctx context.Context, id int64) error {
	return q.backend.RemoveCronSchedule(ctx, id)
}

// EnqueueDueCronJobs fires due schedules immediately, outside the
// supervisor cycle. Mostly useful in tests and manual operations.
func (q *Queue) EnqueueDueCronJobs(ctx context.Context) error {
	sup := newSupervisor(q.backend, q.emitter, q.logger, SupervisorOptions{})
	return sup.enqueueDueCronJobs(ctx)
}

func buildJobUpdate(opts JobUpdateOptions) (repository.JobUpdate, error) {
	upd := repository.JobUpdate{
		Priority:    opts.Priority,
		Tags:        opts.Tags,
		RunAt:       opts.RunAt,
		TimeoutMs:   opts.TimeoutMs,
		MaxAttempts: opts.MaxAttempts,
	}
	if opts.HasPayload {
		payload, err := marshalPayload(opts.Payload)
		if err != nil {
			return repository.JobUpdate{}, fmt.Errorf("encode payload: %w", err)
		}
		upd.Payload = payload
	}
	return upd, nil
}

// marshalPayload accepts pre-encoded JSON as-is and marshals anything
// else. A nil payload becomes JSON null.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(payload)
	}
}
