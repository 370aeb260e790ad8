package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

const waitpointColumns = `id, job_id, status, timeout_at, data, tags, created_at, updated_at`

func scanWaitpoint(row rowScanner) (*domain.Waitpoint, error) {
	var (
		w      domain.Waitpoint
		status string
	)
	err := row.Scan(&w.ID, &w.JobID, &status, &w.TimeoutAt, &w.Data, &w.Tags, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWaitpointNotFound
		}
		return nil, fmt.Errorf("scan waitpoint: %w", err)
	}
	w.Status = domain.WaitpointStatus(status)
	return &w, nil
}

func (s *Store) CreateWaitpoint(ctx context.Context, jobID *int64, in repository.CreateWaitpointInput) (*domain.Waitpoint, error) {
	var timeoutAt *time.Time
	if in.Timeout != "" {
		d, err := domain.ParseTokenTimeout(in.Timeout)
		if err != nil {
			return nil, err
		}
		// Resolve against the database clock so all timeout comparisons
		// use the same reference.
		var at time.Time
		if err := s.pool.QueryRow(ctx,
			`SELECT NOW() + make_interval(secs => $1)`, d.Seconds()).Scan(&at); err != nil {
			return nil, fmt.Errorf("resolve token timeout: %w", err)
		}
		timeoutAt = &at
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO waitpoints (id, job_id, timeout_at, tags)
		VALUES ($1, $2, $3, $4)
		RETURNING `+waitpointColumns,
		uuid.NewString(), jobID, timeoutAt, in.Tags)
	return scanWaitpoint(row)
}

func (s *Store) GetWaitpoint(ctx context.Context, id string) (*domain.Waitpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+waitpointColumns+` FROM waitpoints WHERE id = $1`, id)
	return scanWaitpoint(row)
}

// CompleteWaitpoint marks a pending token completed and wakes the job
// waiting on it. Idempotent: completing a non-pending token changes
// nothing.
func (s *Store) CompleteWaitpoint(ctx context.Context, id string, data json.RawMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete-waitpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobID *int64
	err = tx.QueryRow(ctx, `
		UPDATE waitpoints
		SET    status = 'completed', data = $2, updated_at = NOW()
		WHERE  id = $1 AND status = 'pending'
		RETURNING job_id`, id, []byte(data)).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already completed or expired, or unknown id.
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM waitpoints WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("check waitpoint: %w", err)
			}
			if !exists {
				return domain.ErrWaitpointNotFound
			}
			return tx.Commit(ctx)
		}
		return fmt.Errorf("complete waitpoint: %w", err)
	}

	if jobID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE job_queue
			SET    status = 'pending', wait_token_id = NULL, run_at = NOW(), updated_at = NOW()
			WHERE  id = $1 AND status = 'waiting' AND wait_token_id = $2`, *jobID, id); err != nil {
			return fmt.Errorf("wake waiting job: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete-waitpoint tx: %w", err)
	}

	if jobID != nil {
		meta, _ := json.Marshal(map[string]string{"token_id": id})
		s.recordEvent(ctx, *jobID, domain.EventTokenCompleted, meta)
	}
	return nil
}

// ExpireTimedOutWaitpoints expires pending tokens past their timeout and
// wakes their waiting jobs; the handler's WaitForToken observes the
// expired status on resume and reports a timeout result.
func (s *Store) ExpireTimedOutWaitpoints(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin expire tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE waitpoints
		SET    status = 'expired', updated_at = NOW()
		WHERE  status = 'pending' AND timeout_at IS NOT NULL AND timeout_at <= NOW()
		RETURNING id, job_id`)
	if err != nil {
		return 0, fmt.Errorf("expire waitpoints: %w", err)
	}

	type expired struct {
		tokenID string
		jobID   *int64
	}
	var all []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.tokenID, &e.jobID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired waitpoint: %w", err)
		}
		all = append(all, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired waitpoints: %w", err)
	}

	for _, e := range all {
		if e.jobID == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE job_queue
			SET    status = 'pending', wait_token_id = NULL,
			       failure_reason = 'token_timeout', run_at = NOW(), updated_at = NOW()
			WHERE  id = $1 AND status = 'waiting' AND wait_token_id = $2`, *e.jobID, e.tokenID); err != nil {
			return 0, fmt.Errorf("wake job for expired token: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit expire tx: %w", err)
	}
	return len(all), nil
}
