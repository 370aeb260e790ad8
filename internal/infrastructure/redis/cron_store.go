package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

// cronLease is how long a claimed due schedule stays invisible to other
// supervisors before the claim is considered abandoned.
const cronLease = time.Minute

type redisCron struct {
	ID             int64           `json:"id"`
	ScheduleName   string          `json:"schedule_name"`
	CronExpression string          `json:"cron_expression"`
	Timezone       string          `json:"timezone"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	TimeoutMs      int             `json:"timeout_ms,omitempty"`
	ForceKill      bool            `json:"force_kill,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	AllowOverlap   bool            `json:"allow_overlap,omitempty"`
	Status         string          `json:"status"`
	NextRunAtMs    int64           `json:"next_run_at_ms"`
	LastEnqueuedMs int64           `json:"last_enqueued_ms,omitempty"`
	LastJobID      *int64          `json:"last_job_id,omitempty"`
	LockedAtMs     int64           `json:"locked_at_ms,omitempty"`
	CreatedAtMs    int64           `json:"created_at_ms"`
	UpdatedAtMs    int64           `json:"updated_at_ms"`
}

func (c *redisCron) toDomain() *domain.CronSchedule {
	return &domain.CronSchedule{
		ID:             c.ID,
		ScheduleName:   c.ScheduleName,
		CronExpression: c.CronExpression,
		Timezone:       c.Timezone,
		JobType:        c.JobType,
		Payload:        c.Payload,
		Priority:       c.Priority,
		MaxAttempts:    c.MaxAttempts,
		TimeoutMs:      c.TimeoutMs,
		ForceKill:      c.ForceKill,
		Tags:           c.Tags,
		AllowOverlap:   c.AllowOverlap,
		Status:         domain.ScheduleStatus(c.Status),
		NextRunAt:      msTime(c.NextRunAtMs),
		LastEnqueuedAt: msTimePtr(c.LastEnqueuedMs),
		LastJobID:      c.LastJobID,
		CreatedAt:      msTime(c.CreatedAtMs),
		UpdatedAt:      msTime(c.UpdatedAtMs),
	}
}

func (s *Store) loadCron(ctx context.Context, id int64) (*redisCron, error) {
	raw, err := s.rdb.Get(ctx, cronKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load cron schedule %d: %w", id, err)
	}
	var c redisCron
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode cron schedule %d: %w", id, err)
	}
	return &c, nil
}

// updateCron mirrors updateJob for schedules: WATCH, re-read, mutate,
// rewrite blob plus due-zset membership.
func (s *Store) updateCron(ctx context.Context, id int64, mutate func(c *redisCron) error) error {
	const maxRetries = 5
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, cronKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrScheduleNotFound
		}
		if err != nil {
			return err
		}
		var c redisCron
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decode cron schedule %d: %w", id, err)
		}

		if err := mutate(&c); err != nil {
			return err
		}
		c.UpdatedAtMs = nowMs(time.Now())

		encoded, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("encode cron schedule %d: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cronKey(id), encoded, 0)
			if c.Status == string(domain.ScheduleActive) {
				pipe.ZAdd(ctx, key(keyCronDue), redis.Z{Score: float64(c.NextRunAtMs), Member: id})
			} else {
				pipe.ZRem(ctx, key(keyCronDue), id)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, txn, cronKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, errSkipUpdate) {
			return nil
		}
		return err
	}
	return fmt.Errorf("cron schedule %d: too much contention", id)
}

func (s *Store) AddCronSchedule(ctx context.Context, in repository.AddCronInput) (*domain.CronSchedule, error) {
	id, err := s.rdb.Incr(ctx, key(keyCronSeq)).Result()
	if err != nil {
		return nil, fmt.Errorf("cron sequence: %w", err)
	}

	// Schedule names are unique; HSETNX arbitrates concurrent creates.
	won, err := s.rdb.HSetNX(ctx, key(keyCronNames), in.ScheduleName, id).Result()
	if err != nil {
		return nil, fmt.Errorf("claim schedule name: %w", err)
	}
	if !won {
		return nil, domain.ErrScheduleNameConflict
	}

	now := time.Now()
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	c := &redisCron{
		ID:             id,
		ScheduleName:   in.ScheduleName,
		CronExpression: in.CronExpression,
		Timezone:       tz,
		JobType:        in.JobType,
		Payload:        in.Payload,
		Priority:       in.Priority,
		MaxAttempts:    maxAttempts,
		TimeoutMs:      in.TimeoutMs,
		ForceKill:      in.ForceKill,
		Tags:           in.Tags,
		AllowOverlap:   in.AllowOverlap,
		Status:         string(domain.ScheduleActive),
		NextRunAtMs:    nowMs(in.NextRunAt),
		CreatedAtMs:    nowMs(now),
		UpdatedAtMs:    nowMs(now),
	}
	encoded, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode cron schedule: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, cronKey(id), encoded, 0)
		pipe.ZAdd(ctx, key(keyCronDue), redis.Z{Score: float64(c.NextRunAtMs), Member: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store cron schedule: %w", err)
	}
	return c.toDomain(), nil
}

func (s *Store) GetCronSchedule(ctx context.Context, id int64) (*domain.CronSchedule, error) {
	c, err := s.loadCron(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.toDomain(), nil
}

func (s *Store) GetCronScheduleByName(ctx context.Context, name string) (*domain.CronSchedule, error) {
	raw, err := s.rdb.HGet(ctx, key(keyCronNames), name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve schedule name: %w", err)
	}
	id, _ := strconv.ParseInt(raw, 10, 64)
	return s.GetCronSchedule(ctx, id)
}

func (s *Store) ListCronSchedules(ctx context.Context) ([]*domain.CronSchedule, error) {
	names, err := s.rdb.HGetAll(ctx, key(keyCronNames)).Result()
	if err != nil {
		return nil, fmt.Errorf("list schedule names: %w", err)
	}
	out := make([]*domain.CronSchedule, 0, len(names))
	for _, raw := range names {
		id, _ := strconv.ParseInt(raw, 10, 64)
		c, err := s.loadCron(ctx, id)
		if errors.Is(err, domain.ErrScheduleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c.toDomain())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleName < out[j].ScheduleName })
	return out, nil
}

func (s *Store) PauseCronSchedule(ctx context.Context, id int64) error {
	return s.updateCron(ctx, id, func(c *redisCron) error {
		c.Status = string(domain.SchedulePaused)
		return nil
	})
}

func (s *Store) ResumeCronSchedule(ctx context.Context, id int64) error {
	return s.updateCron(ctx, id, func(c *redisCron) error {
		c.Status = string(domain.ScheduleActive)
		return nil
	})
}

func (s *Store) EditCronSchedule(ctx context.Context, id int64, upd repository.CronUpdate) (*domain.CronSchedule, error) {
	err := s.updateCron(ctx, id, func(c *redisCron) error {
		if upd.CronExpression != nil {
			c.CronExpression = *upd.CronExpression
		}
		if upd.Timezone != nil {
			c.Timezone = *upd.Timezone
		}
		if upd.Payload != nil {
			c.Payload = upd.Payload
		}
		if upd.Priority != nil {
			c.Priority = *upd.Priority
		}
		if upd.MaxAttempts != nil {
			c.MaxAttempts = *upd.MaxAttempts
		}
		if upd.TimeoutMs != nil {
			c.TimeoutMs = *upd.TimeoutMs
		}
		if upd.Tags != nil {
			c.Tags = upd.Tags
		}
		if upd.AllowOverlap != nil {
			c.AllowOverlap = *upd.AllowOverlap
		}
		if upd.NextRunAt != nil {
			c.NextRunAtMs = nowMs(*upd.NextRunAt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetCronSchedule(ctx, id)
}

func (s *Store) RemoveCronSchedule(ctx context.Context, id int64) error {
	c, err := s.loadCron(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, cronKey(id))
		pipe.HDel(ctx, key(keyCronNames), c.ScheduleName)
		pipe.ZRem(ctx, key(keyCronDue), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove cron schedule: %w", err)
	}
	return nil
}

// GetDueCronSchedules leases due active schedules. The locked_at stamp in
// the blob keeps a claimed schedule invisible to concurrent supervisors
// until the enqueue-and-advance cycle finishes or the lease expires.
func (s *Store) GetDueCronSchedules(ctx context.Context, limit int) ([]*domain.CronSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	now := time.Now()
	members, err := s.rdb.ZRangeByScore(ctx, key(keyCronDue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowMs(now), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due cron schedules: %w", err)
	}

	var out []*domain.CronSchedule
	for _, member := range members {
		id, _ := strconv.ParseInt(member, 10, 64)
		var claimed *redisCron
		err := s.updateCron(ctx, id, func(c *redisCron) error {
			claimed = nil
			if c.Status != string(domain.ScheduleActive) || c.NextRunAtMs > nowMs(now) {
				return errSkipUpdate
			}
			if c.LockedAtMs > 0 && msTime(c.LockedAtMs).After(now.Add(-cronLease)) {
				return errSkipUpdate
			}
			c.LockedAtMs = nowMs(now)
			snapshot := *c
			claimed = &snapshot
			return nil
		})
		if errors.Is(err, domain.ErrScheduleNotFound) {
			s.rdb.ZRem(ctx, key(keyCronDue), member)
			continue
		}
		if err != nil {
			return out, err
		}
		if claimed != nil {
			out = append(out, claimed.toDomain())
		}
	}
	return out, nil
}

func (s *Store) UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, enqueuedAt time.Time, jobID *int64, nextRunAt time.Time) error {
	return s.updateCron(ctx, id, func(c *redisCron) error {
		c.NextRunAtMs = nowMs(nextRunAt)
		c.LockedAtMs = 0
		if jobID != nil {
			c.LastEnqueuedMs = nowMs(enqueuedAt)
			c.LastJobID = jobID
		}
		return nil
	})
}
