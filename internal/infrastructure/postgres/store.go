// Package postgres is the canonical storage backend. All state-dependent
// mutations (claim, retry, cancel-if-pending, complete-waitpoint, advance
// cron) run as single statements or single transactions so that concurrent
// workers never observe partial transitions.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/metrics"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With("component", "postgres_store")}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

const jobColumns = `id, job_type, payload, status, priority, run_at,
	attempts, max_attempts, next_attempt_at, locked_at, locked_by,
	timeout_ms, force_kill_on_timeout, tags, idempotency_key,
	error_history, failure_reason, pending_reason,
	wait_until, wait_token_id, step_data, progress, output,
	created_at, updated_at, started_at, completed_at,
	last_retried_at, last_failed_at, last_cancelled_at`

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j            domain.Job
		status       string
		reason       *string
		errorHistory []byte
		stepData     []byte
	)
	err := row.Scan(
		&j.ID, &j.JobType, &j.Payload, &status, &j.Priority, &j.RunAt,
		&j.Attempts, &j.MaxAttempts, &j.NextAttemptAt, &j.LockedAt, &j.LockedBy,
		&j.TimeoutMs, &j.ForceKillOnTimeout, &j.Tags, &j.IdempotencyKey,
		&errorHistory, &reason, &j.PendingReason,
		&j.WaitUntil, &j.WaitTokenID, &stepData, &j.Progress, &j.Output,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
		&j.LastRetriedAt, &j.LastFailedAt, &j.LastCancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = domain.JobStatus(status)
	if reason != nil {
		fr := domain.FailureReason(*reason)
		j.FailureReason = &fr
	}
	if len(errorHistory) > 0 {
		if err := json.Unmarshal(errorHistory, &j.ErrorHistory); err != nil {
			return nil, fmt.Errorf("decode error history: %w", err)
		}
	}
	if len(stepData) > 0 && string(stepData) != "null" {
		if err := json.Unmarshal(stepData, &j.StepData); err != nil {
			return nil, fmt.Errorf("decode step data: %w", err)
		}
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// recordEvent appends to the audit log. Best-effort: a failure is logged
// and counted, never propagated into the primary operation.
func (s *Store) recordEvent(ctx context.Context, jobID int64, typ domain.EventType, metadata json.RawMessage) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_events (job_id, event_type, metadata) VALUES ($1, $2, $3)`,
		jobID, string(typ), metadata)
	if err != nil {
		metrics.EventLogFailures.Inc()
		s.logger.Warn("record job event failed", "job_id", jobID, "event_type", typ, "error", err)
	}
}

func (s *Store) RecordJobEvent(ctx context.Context, jobID int64, typ domain.EventType, metadata json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_events (job_id, event_type, metadata) VALUES ($1, $2, $3)`,
		jobID, string(typ), metadata)
	if err != nil {
		return fmt.Errorf("record job event: %w", err)
	}
	return nil
}

func (s *Store) GetJobEvents(ctx context.Context, jobID int64, limit int) ([]*domain.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, event_type, created_at, metadata
		 FROM job_events
		 WHERE job_id = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("get job events: %w", err)
	}
	defer rows.Close()

	var events []*domain.JobEvent
	for rows.Next() {
		var (
			e   domain.JobEvent
			typ string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &typ, &e.CreatedAt, &e.Metadata); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		e.EventType = domain.EventType(typ)
		events = append(events, &e)
	}
	return events, rows.Err()
}
