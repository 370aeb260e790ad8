// Package crontab evaluates five-field standard cron expressions
// (minute hour day-of-month month day-of-week) with *, ranges, steps and
// lists, in an IANA timezone.
package crontab

import (
	"fmt"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/robfig/cron/v3"
)

// Validate reports whether expr is a parseable five-field expression.
func Validate(expr string) bool {
	_, err := cron.ParseStandard(expr)
	return err == nil
}

// LoadLocation resolves an IANA timezone name, defaulting to UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTimezone, tz)
	}
	return loc, nil
}

// NextOccurrence returns the next instant strictly after `after` matching
// expr, evaluated in tz and returned in UTC. The zero time means no future
// occurrence exists (e.g. Feb 30).
func NextOccurrence(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", domain.ErrInvalidCronExpr, expr)
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, nil
	}
	return next.UTC(), nil
}

// NextAfterMissed advances past any occurrences already in the past,
// so a schedule that was down does not fire a burst of catch-up jobs.
func NextAfterMissed(expr, tz string, after, now time.Time) (time.Time, error) {
	next, err := NextOccurrence(expr, tz, after)
	if err != nil || next.IsZero() {
		return next, err
	}
	for next.Before(now) {
		n, err := NextOccurrence(expr, tz, next)
		if err != nil || n.IsZero() {
			return n, err
		}
		next = n
	}
	return next, nil
}
