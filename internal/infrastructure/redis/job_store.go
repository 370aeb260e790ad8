package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

func (s *Store) AddJob(ctx context.Context, in repository.AddJobInput) (*domain.Job, bool, error) {
	now := time.Now().UTC()

	if in.IdempotencyKey != "" {
		existing, err := s.rdb.HGet(ctx, key(keyIdem), in.IdempotencyKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
		if err == nil {
			id, _ := strconv.ParseInt(existing, 10, 64)
			job, err := s.loadJob(ctx, id)
			if err != nil {
				return nil, false, err
			}
			return job.toDomain(), false, nil
		}
	}

	id, err := s.rdb.Incr(ctx, key(keyJobSeq)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("job sequence: %w", err)
	}
	runAt := now
	if in.RunAt != nil {
		runAt = in.RunAt.UTC()
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := &redisJob{
		ID:             id,
		JobType:        in.JobType,
		Payload:        in.Payload,
		Status:         string(domain.StatusPending),
		Priority:       in.Priority,
		RunAtMs:        nowMs(runAt),
		MaxAttempts:    maxAttempts,
		TimeoutMs:      in.TimeoutMs,
		ForceKill:      in.ForceKillOnTimeout,
		Tags:           in.Tags,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAtMs:    nowMs(now),
		UpdatedAtMs:    nowMs(now),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, false, fmt.Errorf("encode job: %w", err)
	}

	// Two producers racing on the same idempotency key are resolved by
	// HSETNX: the loser discards its row and returns the winner's.
	if in.IdempotencyKey != "" {
		won, err := s.rdb.HSetNX(ctx, key(keyIdem), in.IdempotencyKey, id).Result()
		if err != nil {
			return nil, false, fmt.Errorf("idempotency claim: %w", err)
		}
		if !won {
			existing, err := s.rdb.HGet(ctx, key(keyIdem), in.IdempotencyKey).Result()
			if err != nil {
				return nil, false, fmt.Errorf("idempotency lookup: %w", err)
			}
			winnerID, _ := strconv.ParseInt(existing, 10, 64)
			winner, err := s.loadJob(ctx, winnerID)
			if err != nil {
				return nil, false, err
			}
			return winner.toDomain(), false, nil
		}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(id), encoded, 0)
		pipe.ZAdd(ctx, key(keyAllJobs), redis.Z{Score: float64(id), Member: zmember(id)})
		indexJob(ctx, pipe, job)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store job: %w", err)
	}
	s.recordEvent(ctx, id, domain.EventAdded, nil)
	return job.toDomain(), true, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.toDomain(), nil
}

func (s *Store) GetJobs(ctx context.Context, q repository.JobQuery) ([]*domain.Job, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	max := "+inf"
	if q.Cursor > 0 {
		max = "(" + strconv.FormatInt(q.Cursor, 10)
	}
	offset := 0
	if q.Cursor == 0 {
		offset = q.Offset
	}

	var out []*domain.Job
	// Index scans walk newest-first; post-filtering in pages keeps a
	// filtered query from loading the whole keyspace at once.
	page := int64(limit * 4)
	var scanned int64
	for len(out) < limit {
		ids, err := s.rdb.ZRevRangeByScore(ctx, key(keyAllJobs), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    max,
			Offset: scanned,
			Count:  page,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("scan jobs: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		scanned += int64(len(ids))

		for _, member := range ids {
			id, _ := strconv.ParseInt(member, 10, 64)
			job, err := s.loadJob(ctx, id)
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if q.Status != nil && job.Status != string(*q.Status) {
				continue
			}
			if q.JobType != "" && job.JobType != q.JobType {
				continue
			}
			if len(q.Tags) > 0 && !domain.MatchTags(job.Tags, q.Tags, q.TagMode) {
				continue
			}
			if offset > 0 {
				offset--
				continue
			}
			out = append(out, job.toDomain())
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) GetJobCounts(ctx context.Context) (map[domain.JobStatus]int, error) {
	statuses := []domain.JobStatus{
		domain.StatusPending, domain.StatusProcessing, domain.StatusWaiting,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	}
	counts := make(map[domain.JobStatus]int, len(statuses))
	for _, st := range statuses {
		n, err := s.rdb.SCard(ctx, key("status:", string(st))).Result()
		if err != nil {
			return nil, fmt.Errorf("count %s jobs: %w", st, err)
		}
		counts[st] = int(n)
	}
	return counts, nil
}

// claimScript promotes due timer waits, moves due pending jobs into the
// ready zset with their claim-order score, and pops up to batch jobs,
// marking each processing. Runs atomically on the server, so concurrent
// workers never observe the same job twice.
var claimScript = redis.NewScript(`
local schedKey = KEYS[1]
local readyKey = KEYS[2]
local processingKey = KEYS[3]
local waitingKey = KEYS[4]
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])
local worker = ARGV[3]
local types = cjson.decode(ARGV[4])
local prefix = ARGV[5]

local function jobkey(member)
  return prefix .. 'job:' .. tostring(tonumber(member))
end

-- Timer waits that came due go back to pending.
local dueWaits = redis.call('ZRANGEBYSCORE', waitingKey, '-inf', now)
for _, member in ipairs(dueWaits) do
  local raw = redis.call('GET', jobkey(member))
  if raw then
    local job = cjson.decode(raw)
    job['status'] = 'pending'
    job['run_at_ms'] = now
    job['wait_until_ms'] = nil
    job['updated_at_ms'] = now
    redis.call('SET', jobkey(member), cjson.encode(job))
    redis.call('ZADD', schedKey, now, member)
    redis.call('SREM', prefix .. 'status:waiting', member)
    redis.call('SADD', prefix .. 'status:pending', member)
  end
  redis.call('ZREM', waitingKey, member)
end

-- Due pending jobs move into the ready zset.
local dueSched = redis.call('ZRANGEBYSCORE', schedKey, '-inf', now)
for _, member in ipairs(dueSched) do
  local raw = redis.call('GET', jobkey(member))
  if raw then
    local job = cjson.decode(raw)
    local score = job['run_at_ms'] - job['priority'] * 1e13
    redis.call('ZADD', readyKey, score, member)
  end
  redis.call('ZREM', schedKey, member)
end

local typeset = {}
local filtered = false
for _, t in ipairs(types) do
  typeset[t] = true
  filtered = true
end

local claimed = {}
local putback = {}
while #claimed < batch do
  local popped = redis.call('ZPOPMIN', readyKey)
  if #popped == 0 then break end
  local member = popped[1]
  local score = tonumber(popped[2])
  local raw = redis.call('GET', jobkey(member))
  if raw then
    local job = cjson.decode(raw)
    if job['status'] ~= 'pending' or job['attempts'] >= job['max_attempts'] then
      -- stale index entry
    elseif filtered and not typeset[job['job_type']] then
      table.insert(putback, {score, member})
    else
      job['status'] = 'processing'
      job['attempts'] = job['attempts'] + 1
      job['locked_at_ms'] = now
      job['locked_by'] = worker
      if not job['started_at_ms'] then job['started_at_ms'] = now end
      job['updated_at_ms'] = now
      local encoded = cjson.encode(job)
      redis.call('SET', jobkey(member), encoded)
      redis.call('ZADD', processingKey, now, member)
      redis.call('SREM', prefix .. 'status:pending', member)
      redis.call('SADD', prefix .. 'status:processing', member)
      table.insert(claimed, encoded)
    end
  end
end
for _, entry in ipairs(putback) do
  redis.call('ZADD', readyKey, entry[1], entry[2])
end
return claimed
`)

func (s *Store) GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypes []string) ([]*domain.Job, error) {
	if jobTypes == nil {
		jobTypes = []string{}
	}
	typesJSON, err := json.Marshal(jobTypes)
	if err != nil {
		return nil, fmt.Errorf("encode job types: %w", err)
	}

	raws, err := claimScript.Run(ctx, s.rdb,
		[]string{key(keyScheduled), key(keyReady), key(keyProcessing), key(keyWaiting)},
		nowMs(time.Now()), batchSize, workerID, string(typesJSON), keyPrefix,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	out := make([]*domain.Job, 0, len(raws))
	for _, raw := range raws {
		var job redisJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode claimed job: %w", err)
		}
		out = append(out, job.toDomain())
		s.recordEvent(ctx, job.ID, domain.EventProcessing, nil)
	}
	return out, nil
}

func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	err := s.updateJob(ctx, id, func(job *redisJob) error {
		if job.Status != string(domain.StatusProcessing) {
			return errSkipUpdate
		}
		now := nowMs(time.Now())
		job.Status = string(domain.StatusCompleted)
		job.CompletedAtMs = now
		job.LockedAtMs = 0
		job.LockedBy = ""
		return nil
	})
	if err != nil {
		return err
	}
	s.recordEvent(ctx, id, domain.EventCompleted, nil)
	return nil
}

func (s *Store) FailJob(ctx context.Context, id int64, errMsg string, reason domain.FailureReason) (*domain.Job, error) {
	var applied bool
	err := s.updateJob(ctx, id, func(job *redisJob) error {
		applied = false
		if job.Status != string(domain.StatusProcessing) {
			return errSkipUpdate
		}
		now := time.Now()
		job.ErrorHistory = append(job.ErrorHistory, redisError{Message: errMsg, TimestampMs: nowMs(now)})
		job.FailureReason = string(reason)
		job.LastFailedMs = nowMs(now)
		job.LockedAtMs = 0
		job.LockedBy = ""
		if job.Attempts < job.MaxAttempts {
			next := nowMs(now.Add(domain.RetryDelay(job.Attempts)))
			job.Status = string(domain.StatusPending)
			job.RunAtMs = next
			job.NextAttemptMs = next
		} else {
			job.Status = string(domain.StatusFailed)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if applied {
		meta, _ := json.Marshal(map[string]string{"message": errMsg, "reason": string(reason)})
		s.recordEvent(ctx, id, domain.EventFailed, meta)
	}
	return job.toDomain(), nil
}

func (s *Store) ProlongJob(ctx context.Context, id int64) error {
	var applied bool
	err := s.updateJob(ctx, id, func(job *redisJob) error {
		applied = false
		if job.Status != string(domain.StatusProcessing) {
			return errSkipUpdate
		}
		job.LockedAtMs = nowMs(time.Now())
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		s.recordEvent(ctx, id, domain.EventProlonged, nil)
	}
	return nil
}

func (s *Store) RetryJob(ctx context.Context, id int64) error {
	err := s.updateJob(ctx, id, func(job *redisJob) error {
		if job.Status != string(domain.StatusFailed) && job.Status != string(domain.StatusCancelled) {
			return domain.ErrNotTerminal
		}
		now := nowMs(time.Now())
		job.Status = string(domain.StatusPending)
		job.Attempts = 0
		job.RunAtMs = now
		job.NextAttemptMs = 0
		job.FailureReason = ""
		job.PendingReason = ""
		job.LockedAtMs = 0
		job.LockedBy = ""
		job.WaitUntilMs = 0
		job.WaitTokenID = ""
		job.CompletedAtMs = 0
		job.LastRetriedMs = now
		return nil
	})
	if err != nil {
		return err
	}
	s.recordEvent(ctx, id, domain.EventRetried, nil)
	return nil
}

func (s *Store) CancelJob(ctx context.Context, id int64) error {
	var cancelled bool
	err := s.updateJob(ctx, id, func(job *redisJob) error {
		if job.Status != string(domain.StatusPending) {
			return errSkipUpdate
		}
		job.Status = string(domain.StatusCancelled)
		job.FailureReason = string(domain.FailureCancelled)
		job.LastCancelMs = nowMs(time.Now())
		cancelled = true
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled {
		s.recordEvent(ctx, id, domain.EventCancelled, nil)
	}
	return nil
}

// pendingIDs returns the ids of pending jobs matching the filter.
func (s *Store) pendingIDs(ctx context.Context, f repository.JobFilter) ([]int64, error) {
	members, err := s.rdb.SMembers(ctx, key("status:", string(domain.StatusPending))).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	var out []int64
	for _, member := range members {
		id, _ := strconv.ParseInt(member, 10, 64)
		job, err := s.loadJob(ctx, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status != string(domain.StatusPending) {
			continue
		}
		if f.JobType != "" && job.JobType != f.JobType {
			continue
		}
		if len(f.Tags) > 0 && !domain.MatchTags(job.Tags, f.Tags, f.TagMode) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) CancelAllUpcomingJobs(ctx context.Context, f repository.JobFilter) (int, error) {
	ids, err := s.pendingIDs(ctx, f)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if err := s.CancelJob(ctx, id); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func applyJobUpdate(job *redisJob, upd repository.JobUpdate) {
	if upd.Payload != nil {
		job.Payload = upd.Payload
	}
	if upd.Priority != nil {
		job.Priority = *upd.Priority
	}
	if upd.Tags != nil {
		job.Tags = upd.Tags
	}
	if upd.RunAt != nil {
		job.RunAtMs = nowMs(upd.RunAt.UTC())
	}
	if upd.TimeoutMs != nil {
		job.TimeoutMs = *upd.TimeoutMs
	}
	if upd.MaxAttempts != nil {
		job.MaxAttempts = *upd.MaxAttempts
	}
}

func (s *Store) EditJob(ctx context.Context, id int64, upd repository.JobUpdate) (*domain.Job, error) {
	err := s.updateJob(ctx, id, func(job *redisJob) error {
		if job.Status != string(domain.StatusPending) {
			return domain.ErrNotPending
		}
		applyJobUpdate(job, upd)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, id, domain.EventEdited, nil)
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.toDomain(), nil
}

func (s *Store) EditAllPendingJobs(ctx context.Context, f repository.JobFilter, upd repository.JobUpdate) (int, error) {
	ids, err := s.pendingIDs(ctx, f)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		err := s.updateJob(ctx, id, func(job *redisJob) error {
			if job.Status != string(domain.StatusPending) {
				return errSkipUpdate
			}
			applyJobUpdate(job, upd)
			return nil
		})
		if err != nil {
			return count, err
		}
		s.recordEvent(ctx, id, domain.EventEdited, nil)
		count++
	}
	return count, nil
}

func (s *Store) ReclaimStuckJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := nowMs(time.Now().Add(-maxAge))
	members, err := s.rdb.ZRangeByScore(ctx, key(keyProcessing), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan stuck jobs: %w", err)
	}

	count := 0
	for _, member := range members {
		id, _ := strconv.ParseInt(member, 10, 64)
		var applied bool
		err := s.updateJob(ctx, id, func(job *redisJob) error {
			applied = false
			if job.Status != string(domain.StatusProcessing) || job.LockedAtMs > cutoff {
				return errSkipUpdate
			}
			// The interrupted claim already counted this attempt.
			job.Status = string(domain.StatusPending)
			job.RunAtMs = nowMs(time.Now())
			job.LockedAtMs = 0
			job.LockedBy = ""
			applied = true
			return nil
		})
		if errors.Is(err, domain.ErrJobNotFound) {
			s.rdb.ZRem(ctx, key(keyProcessing), member)
			continue
		}
		if err != nil {
			return count, err
		}
		if applied {
			s.recordEvent(ctx, id, domain.EventReclaimed, nil)
			count++
		}
	}
	return count, nil
}

func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	cutoff := strconv.FormatInt(nowMs(time.Now().Add(-olderThan)), 10)
	total := 0
	for {
		members, err := s.rdb.ZRangeByScore(ctx, key(keyTerminal), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   cutoff,
			Count: int64(batchSize),
		}).Result()
		if err != nil {
			return total, fmt.Errorf("scan old jobs: %w", err)
		}
		if len(members) == 0 {
			return total, nil
		}
		for _, member := range members {
			id, _ := strconv.ParseInt(member, 10, 64)
			job, err := s.loadJob(ctx, id)
			if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
				return total, err
			}
			_, perr := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, jobKey(id), eventsKey(id))
				pipe.ZRem(ctx, key(keyAllJobs), member)
				pipe.ZRem(ctx, key(keyTerminal), member)
				for _, st := range []string{"completed", "failed", "cancelled"} {
					pipe.SRem(ctx, key("status:", st), member)
				}
				if job != nil && job.IdempotencyKey != "" {
					pipe.HDel(ctx, key(keyIdem), job.IdempotencyKey)
				}
				return nil
			})
			if perr != nil {
				return total, fmt.Errorf("delete job %d: %w", id, perr)
			}
			total++
		}
		if len(members) < batchSize {
			return total, nil
		}
	}
}

func (s *Store) CleanupOldJobEvents(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	cutoff := strconv.FormatInt(nowMs(time.Now().Add(-olderThan)), 10)
	total := 0
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"events:*", int64(batchSize)).Iterator()
	for iter.Next(ctx) {
		removed, err := s.rdb.ZRemRangeByScore(ctx, iter.Val(), "-inf", cutoff).Result()
		if err != nil {
			return total, fmt.Errorf("trim events %s: %w", iter.Val(), err)
		}
		total += int(removed)
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("scan event logs: %w", err)
	}
	return total, nil
}

func (s *Store) WaitJob(ctx context.Context, id int64, in repository.WaitInput) error {
	if in.WaitFor == nil && in.WaitUntil == nil && in.WaitTokenID == nil {
		return fmt.Errorf("wait job: no wait target given")
	}
	err := s.updateJob(ctx, id, func(job *redisJob) error {
		if job.Status != string(domain.StatusProcessing) {
			return fmt.Errorf("wait job %d: not processing", id)
		}
		now := time.Now()
		job.Status = string(domain.StatusWaiting)
		job.LockedAtMs = 0
		job.LockedBy = ""
		if in.StepData != nil {
			job.StepData = in.StepData
		}
		switch {
		case in.WaitFor != nil:
			job.WaitUntilMs = nowMs(now.Add(*in.WaitFor))
			job.WaitTokenID = ""
		case in.WaitUntil != nil:
			job.WaitUntilMs = nowMs(in.WaitUntil.UTC())
			job.WaitTokenID = ""
		case in.WaitTokenID != nil:
			job.WaitUntilMs = 0
			job.WaitTokenID = *in.WaitTokenID
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordEvent(ctx, id, domain.EventWaiting, nil)
	return nil
}

func (s *Store) UpdateStepData(ctx context.Context, id int64, stepData domain.StepData) error {
	return s.updateJob(ctx, id, func(job *redisJob) error {
		job.StepData = stepData
		return nil
	})
}

func (s *Store) SetJobProgress(ctx context.Context, id int64, progress int) error {
	var changed bool
	err := s.updateJob(ctx, id, func(job *redisJob) error {
		if job.Progress == progress {
			return errSkipUpdate
		}
		job.Progress = progress
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		meta, _ := json.Marshal(map[string]int{"progress": progress})
		s.recordEvent(ctx, id, domain.EventProgress, meta)
	}
	return nil
}

func (s *Store) SetJobOutput(ctx context.Context, id int64, output json.RawMessage) error {
	return s.updateJob(ctx, id, func(job *redisJob) error {
		job.Output = output
		return nil
	})
}

func (s *Store) SetPendingReasonForJobType(ctx context.Context, jobType, reason string) (int, error) {
	ids, err := s.pendingIDs(ctx, repository.JobFilter{JobType: jobType})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		err := s.updateJob(ctx, id, func(job *redisJob) error {
			if job.Status != string(domain.StatusPending) || job.JobType != jobType {
				return errSkipUpdate
			}
			job.PendingReason = reason
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
