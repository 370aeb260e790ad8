package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

func (s *Store) AddJob(ctx context.Context, in repository.AddJobInput) (*domain.Job, bool, error) {
	payload := in.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var idemKey *string
	if in.IdempotencyKey != "" {
		idemKey = &in.IdempotencyKey
	}

	query := `
		INSERT INTO job_queue (
			job_type, payload, priority, run_at, max_attempts,
			timeout_ms, force_kill_on_timeout, tags, idempotency_key
		) VALUES ($1, $2, $3, COALESCE($4, NOW()), $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING ` + jobColumns

	row := s.pool.QueryRow(ctx, query,
		in.JobType, []byte(payload), in.Priority, in.RunAt, maxAttempts,
		in.TimeoutMs, in.ForceKillOnTimeout, in.Tags, idemKey,
	)

	job, err := scanJob(row)
	if err == nil {
		s.recordEvent(ctx, job.ID, domain.EventAdded, nil)
		return job, true, nil
	}
	if !errors.Is(err, domain.ErrJobNotFound) || idemKey == nil {
		return nil, false, fmt.Errorf("add job: %w", err)
	}

	// Conflict on the idempotency key: return the existing row, whatever
	// its status. Terminal matches are not revived.
	existing := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE idempotency_key = $1`, *idemKey)
	job, err = scanJob(existing)
	if err != nil {
		return nil, false, fmt.Errorf("lookup idempotent job: %w", err)
	}
	return job, false, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id)
	return scanJob(row)
}

func (s *Store) GetJobs(ctx context.Context, q repository.JobQuery) ([]*domain.Job, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		args  []any
		where []string
	)
	if q.Status != nil {
		args = append(args, string(*q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.JobType != "" {
		args = append(args, q.JobType)
		where = append(where, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if len(q.Tags) > 0 {
		clause, err := tagClause(q.TagMode, q.Tags, &args)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}
	if q.Cursor > 0 {
		args = append(args, q.Cursor)
		where = append(where, fmt.Sprintf("id < $%d", len(args)))
	}

	cond := "TRUE"
	if len(where) > 0 {
		cond = strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM job_queue WHERE %s ORDER BY id DESC LIMIT $%d`, cond, len(args))
	if q.Cursor == 0 && q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

// tagClause appends the tag array argument and returns the predicate for
// the requested set-algebraic mode.
func tagClause(mode domain.TagQueryMode, tags []string, args *[]any) (string, error) {
	*args = append(*args, tags)
	n := len(*args)
	switch mode {
	case domain.TagModeExact:
		return fmt.Sprintf("(tags @> $%d AND tags <@ $%d)", n, n), nil
	case domain.TagModeAll:
		return fmt.Sprintf("tags @> $%d", n), nil
	case domain.TagModeAny:
		return fmt.Sprintf("tags && $%d", n), nil
	case domain.TagModeNone:
		return fmt.Sprintf("(tags IS NULL OR NOT tags && $%d)", n), nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrInvalidTagMode, mode)
}

func (s *Store) GetJobCounts(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// GetNextBatch first wakes timer waits that have come due, then claims up
// to batchSize pending jobs. Both statements run in one transaction;
// FOR UPDATE SKIP LOCKED prevents double-claims across workers.
func (s *Store) GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypes []string) ([]*domain.Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE job_queue
		SET    status = 'pending', wait_until = NULL, updated_at = NOW()
		WHERE  id IN (
			SELECT id FROM job_queue
			WHERE  status = 'waiting' AND wait_until IS NOT NULL AND wait_until <= NOW()
			FOR UPDATE SKIP LOCKED
		)`)
	if err != nil {
		return nil, fmt.Errorf("wake timer waits: %w", err)
	}

	typeFilter := ""
	args := []any{workerID, batchSize}
	if len(jobTypes) > 0 {
		args = append(args, jobTypes)
		typeFilter = fmt.Sprintf("AND job_type = ANY($%d)", len(args))
	}

	query := fmt.Sprintf(`
		UPDATE job_queue
		SET    status     = 'processing',
		       locked_at  = NOW(),
		       locked_by  = $1,
		       attempts   = attempts + 1,
		       started_at = COALESCE(started_at, NOW()),
		       updated_at = NOW()
		WHERE id IN (
			SELECT id FROM job_queue
			WHERE  status = 'pending'
			  AND  run_at <= NOW()
			  AND  attempts < max_attempts
			  %s
			ORDER BY priority DESC, run_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, typeFilter)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	for _, j := range jobs {
		s.recordEvent(ctx, j.ID, domain.EventProcessing, nil)
	}
	return jobs, nil
}

func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET    status = 'completed', completed_at = NOW(),
		       locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE  id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return nil
	}
	s.recordEvent(ctx, id, domain.EventCompleted, nil)
	return nil
}

func (s *Store) FailJob(ctx context.Context, id int64, errMsg string, reason domain.FailureReason) (*domain.Job, error) {
	// One statement decides retry vs terminal failure so that concurrent
	// observers never see an intermediate state. A retryable failure goes
	// back to pending with run_at pushed by the exponential backoff.
	row := s.pool.QueryRow(ctx, `
		UPDATE job_queue
		SET    error_history   = error_history ||
		           jsonb_build_array(jsonb_build_object('message', $2::text, 'timestamp', to_jsonb(NOW()))),
		       status          = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
		       next_attempt_at = CASE WHEN attempts < max_attempts
		                              THEN NOW() + make_interval(mins => POWER(2, attempts - 1)::int)
		                              ELSE NULL END,
		       run_at          = CASE WHEN attempts < max_attempts
		                              THEN NOW() + make_interval(mins => POWER(2, attempts - 1)::int)
		                              ELSE run_at END,
		       failure_reason  = $3,
		       last_failed_at  = NOW(),
		       locked_at       = NULL,
		       locked_by       = NULL,
		       updated_at      = NOW()
		WHERE  id = $1 AND status = 'processing'
		RETURNING `+jobColumns, id, errMsg, string(reason))

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// Not processing anymore (reclaimed or cancelled meanwhile).
			return s.GetJob(ctx, id)
		}
		return nil, fmt.Errorf("fail job: %w", err)
	}

	meta, _ := json.Marshal(map[string]string{"message": errMsg, "reason": string(reason)})
	s.recordEvent(ctx, id, domain.EventFailed, meta)
	return job, nil
}

func (s *Store) ProlongJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_queue SET locked_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("prolong job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.recordEvent(ctx, id, domain.EventProlonged, nil)
	}
	return nil
}

// RetryJob is the only way out of a terminal status. Attempts reset so the
// claim query picks the job up again; the error history is preserved.
func (s *Store) RetryJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET    status = 'pending', attempts = 0, run_at = NOW(),
		       next_attempt_at = NULL, failure_reason = NULL, pending_reason = NULL,
		       locked_at = NULL, locked_by = NULL,
		       wait_until = NULL, wait_token_id = NULL,
		       completed_at = NULL, last_retried_at = NOW(), updated_at = NOW()
		WHERE  id = $1 AND status IN ('failed', 'cancelled')`, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", domain.ErrNotTerminal, job.Status)
	}
	s.recordEvent(ctx, id, domain.EventRetried, nil)
	return nil
}

// CancelJob cancels a pending job. On processing, waiting or terminal jobs
// it is a no-op.
func (s *Store) CancelJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET    status = 'cancelled', failure_reason = 'cancelled',
		       last_cancelled_at = NOW(), updated_at = NOW()
		WHERE  id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return nil
	}
	s.recordEvent(ctx, id, domain.EventCancelled, nil)
	return nil
}

func (s *Store) CancelAllUpcomingJobs(ctx context.Context, f repository.JobFilter) (int, error) {
	var (
		args  []any
		where = []string{"status = 'pending'"}
	)
	if f.JobType != "" {
		args = append(args, f.JobType)
		where = append(where, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if len(f.Tags) > 0 {
		clause, err := tagClause(f.TagMode, f.Tags, &args)
		if err != nil {
			return 0, err
		}
		where = append(where, clause)
	}

	query := fmt.Sprintf(`
		UPDATE job_queue
		SET    status = 'cancelled', failure_reason = 'cancelled',
		       last_cancelled_at = NOW(), updated_at = NOW()
		WHERE  %s
		RETURNING id`, strings.Join(where, " AND "))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cancel upcoming jobs: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.recordEvent(ctx, id, domain.EventCancelled, nil)
	}
	return len(ids), nil
}

func (s *Store) EditJob(ctx context.Context, id int64, upd repository.JobUpdate) (*domain.Job, error) {
	sets, args := updateClauses(upd)
	if len(sets) == 0 {
		return s.GetJob(ctx, id)
	}
	args = append(args, id)
	query := fmt.Sprintf(`
		UPDATE job_queue SET %s, updated_at = NOW()
		WHERE id = $%d AND status = 'pending'
		RETURNING `+jobColumns, strings.Join(sets, ", "), len(args))

	row := s.pool.QueryRow(ctx, query, args...)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			if _, getErr := s.GetJob(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrNotPending
		}
		return nil, fmt.Errorf("edit job: %w", err)
	}
	s.recordEvent(ctx, id, domain.EventEdited, nil)
	return job, nil
}

func (s *Store) EditAllPendingJobs(ctx context.Context, f repository.JobFilter, upd repository.JobUpdate) (int, error) {
	sets, args := updateClauses(upd)
	if len(sets) == 0 {
		return 0, nil
	}
	where := []string{"status = 'pending'"}
	if f.JobType != "" {
		args = append(args, f.JobType)
		where = append(where, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if len(f.Tags) > 0 {
		clause, err := tagClause(f.TagMode, f.Tags, &args)
		if err != nil {
			return 0, err
		}
		where = append(where, clause)
	}

	query := fmt.Sprintf(`
		UPDATE job_queue SET %s, updated_at = NOW()
		WHERE %s
		RETURNING id`, strings.Join(sets, ", "), strings.Join(where, " AND "))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("edit pending jobs: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}
	for _, jid := range ids {
		s.recordEvent(ctx, jid, domain.EventEdited, nil)
	}
	return len(ids), nil
}

func updateClauses(upd repository.JobUpdate) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Payload != nil {
		add("payload", []byte(upd.Payload))
	}
	if upd.Priority != nil {
		add("priority", *upd.Priority)
	}
	if upd.Tags != nil {
		add("tags", upd.Tags)
	}
	if upd.RunAt != nil {
		add("run_at", *upd.RunAt)
	}
	if upd.TimeoutMs != nil {
		add("timeout_ms", *upd.TimeoutMs)
	}
	if upd.MaxAttempts != nil {
		add("max_attempts", *upd.MaxAttempts)
	}
	return sets, args
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReclaimStuckJobs rescues processing rows abandoned by crashed workers.
// Attempts are not incremented: the claim already counted this attempt.
func (s *Store) ReclaimStuckJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE job_queue
		SET    status = 'pending', locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE  id IN (
			SELECT id FROM job_queue
			WHERE  status = 'processing'
			  AND  locked_at < NOW() - make_interval(secs => $1)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck jobs: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.recordEvent(ctx, id, domain.EventReclaimed, nil)
	}
	return len(ids), nil
}

// CleanupOldJobs deletes terminal jobs older than the cutoff in bounded
// batches so no single transaction holds locks for long.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	total := 0
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM job_queue
			WHERE id IN (
				SELECT id FROM job_queue
				WHERE  status IN ('completed', 'failed', 'cancelled')
				  AND  updated_at < NOW() - make_interval(secs => $1)
				LIMIT $2
			)`, olderThan.Seconds(), batchSize)
		if err != nil {
			return total, fmt.Errorf("cleanup old jobs: %w", err)
		}
		n := int(tag.RowsAffected())
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}

func (s *Store) CleanupOldJobEvents(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	total := 0
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM job_events
			WHERE id IN (
				SELECT id FROM job_events
				WHERE created_at < NOW() - make_interval(secs => $1)
				LIMIT $2
			)`, olderThan.Seconds(), batchSize)
		if err != nil {
			return total, fmt.Errorf("cleanup old job events: %w", err)
		}
		n := int(tag.RowsAffected())
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}

func (s *Store) WaitJob(ctx context.Context, id int64, in repository.WaitInput) error {
	stepData, err := json.Marshal(in.StepData)
	if err != nil {
		return fmt.Errorf("encode step data: %w", err)
	}

	var tag pgconn.CommandTag
	switch {
	case in.WaitFor != nil:
		tag, err = s.pool.Exec(ctx, `
			UPDATE job_queue
			SET    status = 'waiting', wait_until = NOW() + make_interval(secs => $2),
			       step_data = $3, locked_at = NULL, locked_by = NULL, updated_at = NOW()
			WHERE  id = $1 AND status = 'processing'`, id, in.WaitFor.Seconds(), stepData)
	case in.WaitUntil != nil:
		tag, err = s.pool.Exec(ctx, `
			UPDATE job_queue
			SET    status = 'waiting', wait_until = $2,
			       step_data = $3, locked_at = NULL, locked_by = NULL, updated_at = NOW()
			WHERE  id = $1 AND status = 'processing'`, id, *in.WaitUntil, stepData)
	case in.WaitTokenID != nil:
		tag, err = s.pool.Exec(ctx, `
			UPDATE job_queue
			SET    status = 'waiting', wait_token_id = $2,
			       step_data = $3, locked_at = NULL, locked_by = NULL, updated_at = NOW()
			WHERE  id = $1 AND status = 'processing'`, id, *in.WaitTokenID, stepData)
	default:
		return fmt.Errorf("wait job: no wait target given")
	}
	if err != nil {
		return fmt.Errorf("wait job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("wait job %d: not processing", id)
	}
	s.recordEvent(ctx, id, domain.EventWaiting, nil)
	return nil
}

func (s *Store) UpdateStepData(ctx context.Context, id int64, stepData domain.StepData) error {
	encoded, err := json.Marshal(stepData)
	if err != nil {
		return fmt.Errorf("encode step data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE job_queue SET step_data = $2, updated_at = NOW() WHERE id = $1`,
		id, encoded)
	if err != nil {
		return fmt.Errorf("update step data: %w", err)
	}
	return nil
}

func (s *Store) SetJobProgress(ctx context.Context, id int64, progress int) error {
	meta, _ := json.Marshal(map[string]int{"progress": progress})
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET progress = $2, updated_at = NOW()
		WHERE id = $1 AND progress <> $2`, id, progress)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.recordEvent(ctx, id, domain.EventProgress, meta)
	}
	return nil
}

func (s *Store) SetJobOutput(ctx context.Context, id int64, output json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_queue SET output = $2, updated_at = NOW() WHERE id = $1`,
		id, []byte(output))
	if err != nil {
		return fmt.Errorf("set job output: %w", err)
	}
	return nil
}

func (s *Store) SetPendingReasonForJobType(ctx context.Context, jobType, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET pending_reason = $2, updated_at = NOW()
		WHERE job_type = $1 AND status = 'pending' AND pending_reason IS DISTINCT FROM $2`,
		jobType, reason)
	if err != nil {
		return 0, fmt.Errorf("set pending reason: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
