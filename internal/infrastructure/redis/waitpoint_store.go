package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

type redisWaitpoint struct {
	ID          string          `json:"id"`
	JobID       *int64          `json:"job_id,omitempty"`
	Status      string          `json:"status"`
	TimeoutAtMs int64           `json:"timeout_at_ms,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	CreatedAtMs int64           `json:"created_at_ms"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

func (w *redisWaitpoint) toDomain() *domain.Waitpoint {
	return &domain.Waitpoint{
		ID:        w.ID,
		JobID:     w.JobID,
		Status:    domain.WaitpointStatus(w.Status),
		TimeoutAt: msTimePtr(w.TimeoutAtMs),
		Data:      w.Data,
		Tags:      w.Tags,
		CreatedAt: msTime(w.CreatedAtMs),
		UpdatedAt: msTime(w.UpdatedAtMs),
	}
}

func (s *Store) loadWaitpoint(ctx context.Context, id string) (*redisWaitpoint, error) {
	raw, err := s.rdb.Get(ctx, wpKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrWaitpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load waitpoint %s: %w", id, err)
	}
	var wp redisWaitpoint
	if err := json.Unmarshal(raw, &wp); err != nil {
		return nil, fmt.Errorf("decode waitpoint %s: %w", id, err)
	}
	return &wp, nil
}

func (s *Store) storeWaitpoint(ctx context.Context, wp *redisWaitpoint) error {
	encoded, err := json.Marshal(wp)
	if err != nil {
		return fmt.Errorf("encode waitpoint %s: %w", wp.ID, err)
	}
	return s.rdb.Set(ctx, wpKey(wp.ID), encoded, 0).Err()
}

func (s *Store) CreateWaitpoint(ctx context.Context, jobID *int64, in repository.CreateWaitpointInput) (*domain.Waitpoint, error) {
	now := time.Now()
	wp := &redisWaitpoint{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Status:      string(domain.WaitpointPending),
		Tags:        in.Tags,
		CreatedAtMs: nowMs(now),
		UpdatedAtMs: nowMs(now),
	}
	if in.Timeout != "" {
		d, err := domain.ParseTokenTimeout(in.Timeout)
		if err != nil {
			return nil, err
		}
		wp.TimeoutAtMs = nowMs(now.Add(d))
	}

	if err := s.storeWaitpoint(ctx, wp); err != nil {
		return nil, err
	}
	if wp.TimeoutAtMs > 0 {
		if err := s.rdb.ZAdd(ctx, key(keyWPTimeouts), redis.Z{
			Score:  float64(wp.TimeoutAtMs),
			Member: wp.ID,
		}).Err(); err != nil {
			return nil, fmt.Errorf("index waitpoint timeout: %w", err)
		}
	}
	return wp.toDomain(), nil
}

func (s *Store) GetWaitpoint(ctx context.Context, id string) (*domain.Waitpoint, error) {
	wp, err := s.loadWaitpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	return wp.toDomain(), nil
}

func (s *Store) CompleteWaitpoint(ctx context.Context, id string, data json.RawMessage) error {
	wp, err := s.loadWaitpoint(ctx, id)
	if err != nil {
		return err
	}
	if wp.Status != string(domain.WaitpointPending) {
		// Already completed or expired; first result wins.
		return nil
	}
	wp.Status = string(domain.WaitpointCompleted)
	wp.Data = data
	wp.UpdatedAtMs = nowMs(time.Now())
	if err := s.storeWaitpoint(ctx, wp); err != nil {
		return err
	}
	s.rdb.ZRem(ctx, key(keyWPTimeouts), id)

	woken, err := s.wakeTokenWaiters(ctx, id, "")
	if err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"token_id": id})
	for _, jobID := range woken {
		s.recordEvent(ctx, jobID, domain.EventTokenCompleted, meta)
	}
	return nil
}

func (s *Store) ExpireTimedOutWaitpoints(ctx context.Context) (int, error) {
	now := nowMs(time.Now())
	ids, err := s.rdb.ZRangeByScore(ctx, key(keyWPTimeouts), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan due waitpoints: %w", err)
	}

	count := 0
	for _, id := range ids {
		wp, err := s.loadWaitpoint(ctx, id)
		if errors.Is(err, domain.ErrWaitpointNotFound) {
			s.rdb.ZRem(ctx, key(keyWPTimeouts), id)
			continue
		}
		if err != nil {
			return count, err
		}
		if wp.Status != string(domain.WaitpointPending) {
			s.rdb.ZRem(ctx, key(keyWPTimeouts), id)
			continue
		}
		wp.Status = string(domain.WaitpointExpired)
		wp.UpdatedAtMs = now
		if err := s.storeWaitpoint(ctx, wp); err != nil {
			return count, err
		}
		s.rdb.ZRem(ctx, key(keyWPTimeouts), id)
		if _, err := s.wakeTokenWaiters(ctx, id, "token_timeout"); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// wakeTokenWaiters returns the jobs waiting on a token to pending so the
// handler resumes and observes the token's final status. A non-empty
// marker is stamped as the failure reason for expired tokens.
func (s *Store) wakeTokenWaiters(ctx context.Context, tokenID, marker string) ([]int64, error) {
	members, err := s.rdb.SMembers(ctx, wpWaitersKey(tokenID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list token waiters: %w", err)
	}

	var woken []int64
	for _, member := range members {
		jobID, _ := strconv.ParseInt(member, 10, 64)
		err := s.updateJob(ctx, jobID, func(job *redisJob) error {
			if job.Status != string(domain.StatusWaiting) || job.WaitTokenID != tokenID {
				return errSkipUpdate
			}
			job.Status = string(domain.StatusPending)
			job.WaitTokenID = ""
			job.RunAtMs = nowMs(time.Now())
			if marker != "" {
				job.FailureReason = marker
			}
			return nil
		})
		if errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return woken, err
		}
		woken = append(woken, jobID)
	}
	if err := s.rdb.Del(ctx, wpWaitersKey(tokenID)).Err(); err != nil {
		return woken, fmt.Errorf("clear token waiters: %w", err)
	}
	return woken, nil
}
