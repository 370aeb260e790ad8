package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type WaitpointStatus string

const (
	WaitpointPending   WaitpointStatus = "pending"
	WaitpointCompleted WaitpointStatus = "completed"
	WaitpointExpired   WaitpointStatus = "expired"
)

// Waitpoint is an external-signal token. A completed or expired token is
// immutable; completing a non-pending token is a no-op.
type Waitpoint struct {
	ID        string
	JobID     *int64
	Status    WaitpointStatus
	TimeoutAt *time.Time
	Data      json.RawMessage
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParseTokenTimeout parses the token timeout shorthand "Ns", "Nm", "Nh" or
// "Nd" with a positive integer N.
func ParseTokenTimeout(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeout, s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeout, s)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTimeout, s)
}
