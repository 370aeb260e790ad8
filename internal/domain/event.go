package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventAdded          EventType = "added"
	EventProcessing     EventType = "processing"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventCancelled      EventType = "cancelled"
	EventRetried        EventType = "retried"
	EventEdited         EventType = "edited"
	EventProlonged      EventType = "prolonged"
	EventWaiting        EventType = "waiting"
	EventTokenCompleted EventType = "token_completed"
	EventProgress       EventType = "progress"
	EventReclaimed      EventType = "reclaimed"
)

// JobEvent is one row of the append-only audit log. Recording is
// best-effort: a failed insert never fails the primary operation.
type JobEvent struct {
	ID        int64
	JobID     int64
	EventType EventType
	CreatedAt time.Time
	Metadata  json.RawMessage
}
