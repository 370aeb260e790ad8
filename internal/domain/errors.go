package domain

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrWaitpointNotFound = errors.New("waitpoint not found")
	ErrScheduleNotFound  = errors.New("cron schedule not found")

	ErrScheduleNameConflict = errors.New("cron schedule with this name already exists")
	ErrInvalidCronExpr      = errors.New("invalid cron expression")
	ErrInvalidTimezone      = errors.New("invalid timezone")
	ErrInvalidTimeout       = errors.New("invalid timeout, expected Ns, Nm, Nh or Nd")
	ErrInvalidTagMode       = errors.New("invalid tag query mode")
	ErrUnknownJobType       = errors.New("no handler registered for job type")
	ErrDuplicateStepName    = errors.New("step name already used in this handler")

	// ErrNotPending is returned by state transitions that are only legal
	// from pending (cancel, edit).
	ErrNotPending = errors.New("job is not pending")
	// ErrNotTerminal is returned by RetryJob on a non-terminal job.
	ErrNotTerminal = errors.New("job is not in a terminal status")
)

// Postgres error codes that indicate a retryable condition rather than a
// logic error: serialization_failure, deadlock_detected and the 08 class
// (connection exceptions).
func pgTransient(code string) bool {
	return code == "40001" || code == "40P01" || (len(code) >= 2 && code[:2] == "08")
}

// IsTransient classifies a backend error as transient (store unreachable,
// serialization failure) versus permanent. The processor uses this to
// decide between "report and leave the job for the reaper" and "fail the
// job".
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgTransient(pgErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed)
}
