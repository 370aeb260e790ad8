// Package redis implements the queue storage contract on a single Redis
// instance. Job rows are JSON blobs; claim ordering and due-time scans are
// driven by sorted-set indexes, and the claim path runs as a Lua script so
// concurrent workers never receive the same job.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/metrics"
)

const keyPrefix = "dq:"

// Index keys. All are relative to keyPrefix.
const (
	keyAllJobs    = "jobs"        // zset: score = job id
	keyScheduled  = "sched"       // zset of pending jobs: score = run_at ms
	keyReady      = "ready"       // zset of due pending jobs: claim-order score
	keyWaiting    = "waiting"     // zset of timer waits: score = wait_until ms
	keyProcessing = "processing"  // zset: score = locked_at ms
	keyTerminal   = "terminal"    // zset: score = reached-terminal ms
	keyIdem       = "idem"        // hash: idempotency key -> job id
	keyJobSeq     = "seq:job"     // counter
	keyEventSeq   = "seq:event"   // counter
	keyCronSeq    = "seq:cron"    // counter
	keyCronNames  = "cron:names"  // hash: schedule name -> id
	keyCronDue    = "cron:due"    // zset of active schedules: score = next_run_at ms
	keyWPTimeouts = "wp:timeouts" // zset of pending tokens: score = timeout ms
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewStore(cfg Config, logger *slog.Logger) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &Store{
		rdb:    rdb,
		logger: logger.With("component", "redis_store"),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() {
	if err := s.rdb.Close(); err != nil {
		s.logger.Warn("close redis client", "error", err)
	}
}

func key(parts ...string) string {
	out := keyPrefix
	for _, p := range parts {
		out += p
	}
	return out
}

func jobKey(id int64) string       { return fmt.Sprintf("%sjob:%d", keyPrefix, id) }
func eventsKey(jobID int64) string { return fmt.Sprintf("%sevents:%d", keyPrefix, jobID) }
func wpKey(id string) string       { return keyPrefix + "wp:" + id }
func wpWaitersKey(id string) string {
	return keyPrefix + "wp:waiters:" + id
}
func cronKey(id int64) string { return fmt.Sprintf("%scron:%d", keyPrefix, id) }

// zmember is the sorted-set member for a job. Zero-padding makes the
// lexicographic tie-break equal to ascending id order.
func zmember(id int64) string { return fmt.Sprintf("%012d", id) }

// claimScore orders the ready zset: higher priority first, then earlier
// run_at, then lower id (via the member tie-break).
func claimScore(priority int, runAtMs int64) float64 {
	return float64(runAtMs) - float64(priority)*1e13
}

func nowMs(t time.Time) int64 { return t.UnixMilli() }

func msTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func msTimePtr(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := msTime(ms)
	return &t
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// redisJob is the stored shape of a job. Times are epoch milliseconds so
// the claim script can manipulate them as plain numbers.
type redisJob struct {
	ID             int64           `json:"id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	RunAtMs        int64           `json:"run_at_ms"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextAttemptMs  int64           `json:"next_attempt_ms,omitempty"`
	LockedAtMs     int64           `json:"locked_at_ms,omitempty"`
	LockedBy       string          `json:"locked_by,omitempty"`
	TimeoutMs      int             `json:"timeout_ms,omitempty"`
	ForceKill      bool            `json:"force_kill,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ErrorHistory   []redisError    `json:"error_history,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	PendingReason  string          `json:"pending_reason,omitempty"`
	WaitUntilMs    int64           `json:"wait_until_ms,omitempty"`
	WaitTokenID    string          `json:"wait_token_id,omitempty"`
	StepData       domain.StepData `json:"step_data,omitempty"`
	Progress       int             `json:"progress,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	CreatedAtMs    int64           `json:"created_at_ms"`
	UpdatedAtMs    int64           `json:"updated_at_ms"`
	StartedAtMs    int64           `json:"started_at_ms,omitempty"`
	CompletedAtMs  int64           `json:"completed_at_ms,omitempty"`
	LastRetriedMs  int64           `json:"last_retried_ms,omitempty"`
	LastFailedMs   int64           `json:"last_failed_ms,omitempty"`
	LastCancelMs   int64           `json:"last_cancelled_ms,omitempty"`
}

type redisError struct {
	Message     string `json:"message"`
	TimestampMs int64  `json:"timestamp_ms"`
}

func (j *redisJob) toDomain() *domain.Job {
	job := &domain.Job{
		ID:                 j.ID,
		JobType:            j.JobType,
		Payload:            j.Payload,
		Status:             domain.JobStatus(j.Status),
		Priority:           j.Priority,
		RunAt:              msTime(j.RunAtMs),
		Attempts:           j.Attempts,
		MaxAttempts:        j.MaxAttempts,
		NextAttemptAt:      msTimePtr(j.NextAttemptMs),
		LockedAt:           msTimePtr(j.LockedAtMs),
		LockedBy:           strPtr(j.LockedBy),
		TimeoutMs:          j.TimeoutMs,
		ForceKillOnTimeout: j.ForceKill,
		Tags:               j.Tags,
		IdempotencyKey:     strPtr(j.IdempotencyKey),
		PendingReason:      strPtr(j.PendingReason),
		WaitUntil:          msTimePtr(j.WaitUntilMs),
		WaitTokenID:        strPtr(j.WaitTokenID),
		StepData:           j.StepData,
		Progress:           j.Progress,
		Output:             j.Output,
		CreatedAt:          msTime(j.CreatedAtMs),
		UpdatedAt:          msTime(j.UpdatedAtMs),
		StartedAt:          msTimePtr(j.StartedAtMs),
		CompletedAt:        msTimePtr(j.CompletedAtMs),
		LastRetriedAt:      msTimePtr(j.LastRetriedMs),
		LastFailedAt:       msTimePtr(j.LastFailedMs),
		LastCancelledAt:    msTimePtr(j.LastCancelMs),
	}
	if j.FailureReason != "" {
		r := domain.FailureReason(j.FailureReason)
		job.FailureReason = &r
	}
	for _, e := range j.ErrorHistory {
		job.ErrorHistory = append(job.ErrorHistory, domain.ErrorEntry{
			Message:   e.Message,
			Timestamp: msTime(e.TimestampMs),
		})
	}
	return job
}

func (s *Store) loadJob(ctx context.Context, id int64) (*redisJob, error) {
	raw, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", id, err)
	}
	var job redisJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %d: %w", id, err)
	}
	return &job, nil
}

// errSkipUpdate aborts updateJob without touching the row.
var errSkipUpdate = errors.New("skip update")

// updateJob applies mutate under optimistic locking: the job key is
// WATCHed, re-read, mutated, and rewritten together with its index
// memberships. Contention retries a few times before giving up.
func (s *Store) updateJob(ctx context.Context, id int64, mutate func(job *redisJob) error) error {
	const maxRetries = 5
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, jobKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		var job redisJob
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("decode job %d: %w", id, err)
		}

		if err := mutate(&job); err != nil {
			return err
		}
		job.UpdatedAtMs = nowMs(time.Now())

		encoded, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("encode job %d: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), encoded, 0)
			indexJob(ctx, pipe, &job)
			return nil
		})
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, txn, jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, errSkipUpdate) {
			return nil
		}
		return err
	}
	return fmt.Errorf("job %d: too much contention", id)
}

// indexJob rewrites the index memberships for a job according to its
// current status. Called inside a MULTI so the blob and indexes move
// together.
func indexJob(ctx context.Context, pipe redis.Pipeliner, job *redisJob) {
	member := zmember(job.ID)

	pipe.ZRem(ctx, key(keyScheduled), member)
	pipe.ZRem(ctx, key(keyReady), member)
	pipe.ZRem(ctx, key(keyWaiting), member)
	pipe.ZRem(ctx, key(keyProcessing), member)
	pipe.ZRem(ctx, key(keyTerminal), member)
	for _, st := range []string{"pending", "processing", "waiting", "completed", "failed", "cancelled"} {
		if st != job.Status {
			pipe.SRem(ctx, key("status:", st), member)
		}
	}
	pipe.SAdd(ctx, key("status:", job.Status), member)

	switch domain.JobStatus(job.Status) {
	case domain.StatusPending:
		pipe.ZAdd(ctx, key(keyScheduled), redis.Z{Score: float64(job.RunAtMs), Member: member})
	case domain.StatusWaiting:
		if job.WaitUntilMs > 0 {
			pipe.ZAdd(ctx, key(keyWaiting), redis.Z{Score: float64(job.WaitUntilMs), Member: member})
		}
		if job.WaitTokenID != "" {
			pipe.SAdd(ctx, wpWaitersKey(job.WaitTokenID), job.ID)
		}
	case domain.StatusProcessing:
		pipe.ZAdd(ctx, key(keyProcessing), redis.Z{Score: float64(job.LockedAtMs), Member: member})
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
		pipe.ZAdd(ctx, key(keyTerminal), redis.Z{Score: float64(job.UpdatedAtMs), Member: member})
	}
}

type redisEvent struct {
	ID          int64           `json:"id"`
	JobID       int64           `json:"job_id"`
	EventType   string          `json:"event_type"`
	CreatedAtMs int64           `json:"created_at_ms"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// RecordJobEvent appends to the per-job audit log.
func (s *Store) RecordJobEvent(ctx context.Context, jobID int64, typ domain.EventType, metadata json.RawMessage) error {
	id, err := s.rdb.Incr(ctx, key(keyEventSeq)).Result()
	if err != nil {
		return fmt.Errorf("event sequence: %w", err)
	}
	now := nowMs(time.Now())
	encoded, err := json.Marshal(redisEvent{
		ID:          id,
		JobID:       jobID,
		EventType:   string(typ),
		CreatedAtMs: now,
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, eventsKey(jobID), redis.Z{Score: float64(now), Member: encoded}).Err(); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// recordEvent is the best-effort variant used on job mutations. A failed
// insert is logged and counted, never propagated.
func (s *Store) recordEvent(ctx context.Context, jobID int64, typ domain.EventType, metadata json.RawMessage) {
	if err := s.RecordJobEvent(ctx, jobID, typ, metadata); err != nil {
		metrics.EventLogFailures.Inc()
		s.logger.Warn("record job event failed", "job_id", jobID, "event", typ, "error", err)
	}
}

func (s *Store) GetJobEvents(ctx context.Context, jobID int64, limit int) ([]*domain.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := s.rdb.ZRevRange(ctx, eventsKey(jobID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job events: %w", err)
	}
	out := make([]*domain.JobEvent, 0, len(raws))
	for _, raw := range raws {
		var ev redisEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, &domain.JobEvent{
			ID:        ev.ID,
			JobID:     ev.JobID,
			EventType: domain.EventType(ev.EventType),
			CreatedAt: msTime(ev.CreatedAtMs),
			Metadata:  ev.Metadata,
		})
	}
	return out, nil
}
