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

const cronColumns = `id, schedule_name, cron_expression, timezone, job_type, payload,
	priority, max_attempts, timeout_ms, force_kill_on_timeout, tags,
	allow_overlap, status, next_run_at, last_enqueued_at, last_job_id,
	created_at, updated_at`

func scanCronSchedule(row rowScanner) (*domain.CronSchedule, error) {
	var (
		c      domain.CronSchedule
		status string
	)
	err := row.Scan(
		&c.ID, &c.ScheduleName, &c.CronExpression, &c.Timezone, &c.JobType, &c.Payload,
		&c.Priority, &c.MaxAttempts, &c.TimeoutMs, &c.ForceKill, &c.Tags,
		&c.AllowOverlap, &status, &c.NextRunAt, &c.LastEnqueuedAt, &c.LastJobID,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan cron schedule: %w", err)
	}
	c.Status = domain.ScheduleStatus(status)
	return &c, nil
}

func (s *Store) AddCronSchedule(ctx context.Context, in repository.AddCronInput) (*domain.CronSchedule, error) {
	payload := in.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO cron_schedules (
			schedule_name, cron_expression, timezone, job_type, payload,
			priority, max_attempts, timeout_ms, force_kill_on_timeout, tags,
			allow_overlap, next_run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+cronColumns,
		in.ScheduleName, in.CronExpression, tz, in.JobType, []byte(payload),
		in.Priority, maxAttempts, in.TimeoutMs, in.ForceKill, in.Tags,
		in.AllowOverlap, in.NextRunAt,
	)
	sched, err := scanCronSchedule(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrScheduleNameConflict
		}
		return nil, err
	}
	return sched, nil
}

func (s *Store) GetCronSchedule(ctx context.Context, id int64) (*domain.CronSchedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM cron_schedules WHERE id = $1`, id)
	return scanCronSchedule(row)
}

func (s *Store) GetCronScheduleByName(ctx context.Context, name string) (*domain.CronSchedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM cron_schedules WHERE schedule_name = $1`, name)
	return scanCronSchedule(row)
}

func (s *Store) ListCronSchedules(ctx context.Context) ([]*domain.CronSchedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cronColumns+` FROM cron_schedules ORDER BY schedule_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list cron schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.CronSchedule
	for rows.Next() {
		c, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, c)
	}
	return schedules, rows.Err()
}

func (s *Store) PauseCronSchedule(ctx context.Context, id int64) error {
	return s.setCronStatus(ctx, id, domain.SchedulePaused)
}

func (s *Store) ResumeCronSchedule(ctx context.Context, id int64) error {
	return s.setCronStatus(ctx, id, domain.ScheduleActive)
}

func (s *Store) setCronStatus(ctx context.Context, id int64, status domain.ScheduleStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cron_schedules SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("set cron schedule status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (s *Store) EditCronSchedule(ctx context.Context, id int64, upd repository.CronUpdate) (*domain.CronSchedule, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.CronExpression != nil {
		add("cron_expression", *upd.CronExpression)
	}
	if upd.Timezone != nil {
		add("timezone", *upd.Timezone)
	}
	if upd.Payload != nil {
		add("payload", []byte(upd.Payload))
	}
	if upd.Priority != nil {
		add("priority", *upd.Priority)
	}
	if upd.MaxAttempts != nil {
		add("max_attempts", *upd.MaxAttempts)
	}
	if upd.TimeoutMs != nil {
		add("timeout_ms", *upd.TimeoutMs)
	}
	if upd.Tags != nil {
		add("tags", upd.Tags)
	}
	if upd.AllowOverlap != nil {
		add("allow_overlap", *upd.AllowOverlap)
	}
	if upd.NextRunAt != nil {
		add("next_run_at", *upd.NextRunAt)
	}
	if len(sets) == 0 {
		return s.GetCronSchedule(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(`
		UPDATE cron_schedules SET %s, updated_at = NOW()
		WHERE id = $%d
		RETURNING `+cronColumns, strings.Join(sets, ", "), len(args))
	return scanCronSchedule(s.pool.QueryRow(ctx, query, args...))
}

func (s *Store) RemoveCronSchedule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cron_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove cron schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

// GetDueCronSchedules leases due active schedules. The locked_at lease
// (rather than a held transaction) keeps "skip locked" semantics across
// the separate enqueue and advance calls; a crashed supervisor's lease
// expires after a minute.
func (s *Store) GetDueCronSchedules(ctx context.Context, limit int) ([]*domain.CronSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE cron_schedules
		SET    locked_at = NOW(), updated_at = NOW()
		WHERE  id IN (
			SELECT id FROM cron_schedules
			WHERE  status = 'active'
			  AND  next_run_at <= NOW()
			  AND  (locked_at IS NULL OR locked_at < NOW() - INTERVAL '1 minute')
			ORDER BY next_run_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+cronColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due cron schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.CronSchedule
	for rows.Next() {
		c, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, c)
	}
	return schedules, rows.Err()
}

func (s *Store) UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, enqueuedAt time.Time, jobID *int64, nextRunAt time.Time) error {
	var err error
	if jobID != nil {
		_, err = s.pool.Exec(ctx, `
			UPDATE cron_schedules
			SET    last_enqueued_at = $2, last_job_id = $3, next_run_at = $4,
			       locked_at = NULL, updated_at = NOW()
			WHERE  id = $1`, id, enqueuedAt, *jobID, nextRunAt)
	} else {
		// Overlap skip: advance the clock without touching the last-job
		// bookkeeping.
		_, err = s.pool.Exec(ctx, `
			UPDATE cron_schedules
			SET    next_run_at = $2, locked_at = NULL, updated_at = NOW()
			WHERE  id = $1`, id, nextRunAt)
	}
	if err != nil {
		return fmt.Errorf("advance cron schedule: %w", err)
	}
	return nil
}
