package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

// fakeBackend is an in-memory repository.Backend for engine tests. It
// mirrors the observable contract of the real stores: claim ordering,
// backoff scheduling, waiting promotion and token wakeup.
type fakeBackend struct {
	mu sync.Mutex

	nextJobID   int64
	nextEventID int64
	nextCronID  int64
	jobs        map[int64]*domain.Job
	idem        map[string]int64
	events      map[int64][]*domain.JobEvent
	waitpoints  map[string]*domain.Waitpoint
	crons       map[int64]*domain.CronSchedule

	now time.Time // zero = wall clock
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobs:       make(map[int64]*domain.Job),
		idem:       make(map[string]int64),
		events:     make(map[int64][]*domain.JobEvent),
		waitpoints: make(map[string]*domain.Waitpoint),
		crons:      make(map[int64]*domain.CronSchedule),
	}
}

func (f *fakeBackend) clock() time.Time {
	if !f.now.IsZero() {
		return f.now
	}
	return time.Now().UTC()
}

func (f *fakeBackend) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.now.IsZero() {
		f.now = time.Now().UTC()
	}
	f.now = f.now.Add(d)
}

func (f *fakeBackend) Ping(context.Context) error { return nil }
func (f *fakeBackend) Close()                     {}

func (f *fakeBackend) AddJob(_ context.Context, in repository.AddJobInput) (*domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if in.IdempotencyKey != "" {
		if id, ok := f.idem[in.IdempotencyKey]; ok {
			return cloneJob(f.jobs[id]), false, nil
		}
	}

	now := f.clock()
	runAt := now
	if in.RunAt != nil {
		runAt = in.RunAt.UTC()
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	f.nextJobID++
	job := &domain.Job{
		ID:                 f.nextJobID,
		JobType:            in.JobType,
		Payload:            in.Payload,
		Status:             domain.StatusPending,
		Priority:           in.Priority,
		RunAt:              runAt,
		MaxAttempts:        maxAttempts,
		TimeoutMs:          in.TimeoutMs,
		ForceKillOnTimeout: in.ForceKillOnTimeout,
		Tags:               in.Tags,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		job.IdempotencyKey = &key
		f.idem[key] = job.ID
	}
	f.jobs[job.ID] = job
	return cloneJob(job), true, nil
}

func (f *fakeBackend) GetJob(_ context.Context, id int64) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (f *fakeBackend) GetJobs(_ context.Context, q repository.JobQuery) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*domain.Job
	for _, job := range f.jobs {
		if q.Status != nil && job.Status != *q.Status {
			continue
		}
		if q.JobType != "" && job.JobType != q.JobType {
			continue
		}
		if len(q.Tags) > 0 && !domain.MatchTags(job.Tags, q.Tags, q.TagMode) {
			continue
		}
		if q.Cursor > 0 && job.ID >= q.Cursor {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if q.Cursor == 0 && q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeBackend) GetJobCounts(context.Context) (map[domain.JobStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[domain.JobStatus]int{
		domain.StatusPending:    0,
		domain.StatusProcessing: 0,
		domain.StatusWaiting:    0,
		domain.StatusCompleted:  0,
		domain.StatusFailed:     0,
		domain.StatusCancelled:  0,
	}
	for _, job := range f.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (f *fakeBackend) GetNextBatch(_ context.Context, workerID string, batchSize int, jobTypes []string) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock()

	for _, job := range f.jobs {
		if job.Status == domain.StatusWaiting && job.WaitUntil != nil && !job.WaitUntil.After(now) {
			job.Status = domain.StatusPending
			job.WaitUntil = nil
			job.RunAt = now
		}
	}

	var due []*domain.Job
	for _, job := range f.jobs {
		if job.Status != domain.StatusPending || job.RunAt.After(now) || job.Attempts >= job.MaxAttempts {
			continue
		}
		if len(jobTypes) > 0 && !containsString(jobTypes, job.JobType) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.ID < b.ID
	})
	if len(due) > batchSize {
		due = due[:batchSize]
	}

	out := make([]*domain.Job, 0, len(due))
	for _, job := range due {
		job.Status = domain.StatusProcessing
		job.Attempts++
		locked := now
		job.LockedAt = &locked
		worker := workerID
		job.LockedBy = &worker
		if job.StartedAt == nil {
			started := now
			job.StartedAt = &started
		}
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func (f *fakeBackend) CompleteJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != domain.StatusProcessing {
		return nil
	}
	now := f.clock()
	job.Status = domain.StatusCompleted
	job.CompletedAt = &now
	job.LockedAt = nil
	job.LockedBy = nil
	return nil
}

func (f *fakeBackend) FailJob(_ context.Context, id int64, errMsg string, reason domain.FailureReason) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.StatusProcessing && job.Status != domain.StatusWaiting {
		return cloneJob(job), nil
	}
	now := f.clock()
	job.ErrorHistory = append(job.ErrorHistory, domain.ErrorEntry{Message: errMsg, Timestamp: now})
	job.LockedAt = nil
	job.LockedBy = nil
	if job.Attempts < job.MaxAttempts {
		next := now.Add(domain.RetryDelay(job.Attempts))
		job.Status = domain.StatusPending
		job.RunAt = next
		job.NextAttemptAt = &next
	} else {
		job.Status = domain.StatusFailed
		r := reason
		job.FailureReason = &r
	}
	return cloneJob(job), nil
}

func (f *fakeBackend) ProlongJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status == domain.StatusProcessing {
		now := f.clock()
		job.LockedAt = &now
	}
	return nil
}

func (f *fakeBackend) RetryJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.StatusFailed && job.Status != domain.StatusCancelled {
		return domain.ErrNotTerminal
	}
	now := f.clock()
	job.Status = domain.StatusPending
	job.Attempts = 0
	job.RunAt = now
	job.FailureReason = nil
	job.NextAttemptAt = nil
	return nil
}

func (f *fakeBackend) CancelJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.StatusPending {
		return nil
	}
	now := f.clock()
	job.Status = domain.StatusCancelled
	reason := domain.FailureCancelled
	job.FailureReason = &reason
	job.CompletedAt = &now
	return nil
}

func (f *fakeBackend) CancelAllUpcomingJobs(_ context.Context, filter repository.JobFilter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	reason := domain.FailureCancelled
	for _, job := range f.jobs {
		if job.Status != domain.StatusPending {
			continue
		}
		if filter.JobType != "" && job.JobType != filter.JobType {
			continue
		}
		if len(filter.Tags) > 0 && !domain.MatchTags(job.Tags, filter.Tags, filter.TagMode) {
			continue
		}
		job.Status = domain.StatusCancelled
		job.FailureReason = &reason
		count++
	}
	return count, nil
}

func (f *fakeBackend) EditJob(_ context.Context, id int64, upd repository.JobUpdate) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.StatusPending {
		return nil, domain.ErrNotPending
	}
	applyUpdate(job, upd)
	return cloneJob(job), nil
}

func (f *fakeBackend) EditAllPendingJobs(_ context.Context, filter repository.JobFilter, upd repository.JobUpdate) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, job := range f.jobs {
		if job.Status != domain.StatusPending {
			continue
		}
		if filter.JobType != "" && job.JobType != filter.JobType {
			continue
		}
		if len(filter.Tags) > 0 && !domain.MatchTags(job.Tags, filter.Tags, filter.TagMode) {
			continue
		}
		applyUpdate(job, upd)
		count++
	}
	return count, nil
}

func applyUpdate(job *domain.Job, upd repository.JobUpdate) {
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
		job.RunAt = upd.RunAt.UTC()
	}
	if upd.TimeoutMs != nil {
		job.TimeoutMs = *upd.TimeoutMs
	}
	if upd.MaxAttempts != nil {
		job.MaxAttempts = *upd.MaxAttempts
	}
}

func (f *fakeBackend) ReclaimStuckJobs(_ context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock()
	count := 0
	for _, job := range f.jobs {
		if job.Status != domain.StatusProcessing || job.LockedAt == nil {
			continue
		}
		if now.Sub(*job.LockedAt) < maxAge {
			continue
		}
		job.Status = domain.StatusPending
		job.RunAt = now
		job.LockedAt = nil
		job.LockedBy = nil
		count++
	}
	return count, nil
}

func (f *fakeBackend) CleanupOldJobs(_ context.Context, olderThan time.Duration, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.clock().Add(-olderThan)
	count := 0
	for id, job := range f.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		delete(f.jobs, id)
		if job.IdempotencyKey != nil {
			delete(f.idem, *job.IdempotencyKey)
		}
		count++
	}
	return count, nil
}

func (f *fakeBackend) CleanupOldJobEvents(_ context.Context, olderThan time.Duration, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.clock().Add(-olderThan)
	count := 0
	for jobID, evts := range f.events {
		var kept []*domain.JobEvent
		for _, ev := range evts {
			if ev.CreatedAt.After(cutoff) {
				kept = append(kept, ev)
			} else {
				count++
			}
		}
		f.events[jobID] = kept
	}
	return count, nil
}

func (f *fakeBackend) WaitJob(_ context.Context, id int64, in repository.WaitInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.StatusProcessing {
		return domain.ErrJobNotFound
	}
	now := f.clock()
	job.Status = domain.StatusWaiting
	job.LockedAt = nil
	job.LockedBy = nil
	job.StepData = cloneStepData(in.StepData)
	switch {
	case in.WaitFor != nil:
		until := now.Add(*in.WaitFor)
		job.WaitUntil = &until
	case in.WaitUntil != nil:
		until := in.WaitUntil.UTC()
		job.WaitUntil = &until
	case in.WaitTokenID != nil:
		token := *in.WaitTokenID
		job.WaitTokenID = &token
	}
	return nil
}

func (f *fakeBackend) UpdateStepData(_ context.Context, id int64, stepData domain.StepData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.StepData = cloneStepData(stepData)
	return nil
}

func (f *fakeBackend) SetJobProgress(_ context.Context, id int64, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Progress = progress
	return nil
}

func (f *fakeBackend) SetJobOutput(_ context.Context, id int64, output json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Output = output
	return nil
}

func (f *fakeBackend) SetPendingReasonForJobType(_ context.Context, jobType, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, job := range f.jobs {
		if job.Status == domain.StatusPending && job.JobType == jobType {
			r := reason
			job.PendingReason = &r
			count++
		}
	}
	return count, nil
}

func (f *fakeBackend) RecordJobEvent(_ context.Context, jobID int64, typ domain.EventType, metadata json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEventID++
	f.events[jobID] = append(f.events[jobID], &domain.JobEvent{
		ID:        f.nextEventID,
		JobID:     jobID,
		EventType: typ,
		CreatedAt: f.clock(),
		Metadata:  metadata,
	})
	return nil
}

func (f *fakeBackend) GetJobEvents(_ context.Context, jobID int64, limit int) ([]*domain.JobEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evts := f.events[jobID]
	out := make([]*domain.JobEvent, len(evts))
	copy(out, evts)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeBackend) CreateWaitpoint(_ context.Context, jobID *int64, in repository.CreateWaitpointInput) (*domain.Waitpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock()
	wp := &domain.Waitpoint{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Status:    domain.WaitpointPending,
		Tags:      in.Tags,
		CreatedAt: now,
	}
	if in.Timeout != "" {
		d, err := domain.ParseTokenTimeout(in.Timeout)
		if err != nil {
			return nil, err
		}
		at := now.Add(d)
		wp.TimeoutAt = &at
	}
	f.waitpoints[wp.ID] = wp
	return cloneWaitpoint(wp), nil
}

func (f *fakeBackend) GetWaitpoint(_ context.Context, id string) (*domain.Waitpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wp, ok := f.waitpoints[id]
	if !ok {
		return nil, domain.ErrWaitpointNotFound
	}
	return cloneWaitpoint(wp), nil
}

func (f *fakeBackend) CompleteWaitpoint(_ context.Context, id string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wp, ok := f.waitpoints[id]
	if !ok {
		return domain.ErrWaitpointNotFound
	}
	if wp.Status != domain.WaitpointPending {
		return nil
	}
	now := f.clock()
	wp.Status = domain.WaitpointCompleted
	wp.Data = data
	wp.UpdatedAt = now
	f.wakeTokenWaiters(id, now)
	return nil
}

func (f *fakeBackend) ExpireTimedOutWaitpoints(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock()
	count := 0
	for id, wp := range f.waitpoints {
		if wp.Status != domain.WaitpointPending || wp.TimeoutAt == nil || wp.TimeoutAt.After(now) {
			continue
		}
		wp.Status = domain.WaitpointExpired
		f.wakeTokenWaiters(id, now)
		count++
	}
	return count, nil
}

func (f *fakeBackend) wakeTokenWaiters(tokenID string, now time.Time) {
	for _, job := range f.jobs {
		if job.Status == domain.StatusWaiting && job.WaitTokenID != nil && *job.WaitTokenID == tokenID {
			job.Status = domain.StatusPending
			job.RunAt = now
		}
	}
}

func (f *fakeBackend) AddCronSchedule(_ context.Context, in repository.AddCronInput) (*domain.CronSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sched := range f.crons {
		if sched.ScheduleName == in.ScheduleName {
			return nil, domain.ErrScheduleNameConflict
		}
	}
	now := f.clock()
	f.nextCronID++
	sched := &domain.CronSchedule{
		ID:             f.nextCronID,
		ScheduleName:   in.ScheduleName,
		CronExpression: in.CronExpression,
		Timezone:       in.Timezone,
		JobType:        in.JobType,
		Payload:        in.Payload,
		Priority:       in.Priority,
		MaxAttempts:    in.MaxAttempts,
		TimeoutMs:      in.TimeoutMs,
		ForceKill:      in.ForceKill,
		Tags:           in.Tags,
		AllowOverlap:   in.AllowOverlap,
		Status:         domain.ScheduleActive,
		NextRunAt:      in.NextRunAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.crons[sched.ID] = sched
	return cloneCron(sched), nil
}

func (f *fakeBackend) GetCronSchedule(_ context.Context, id int64) (*domain.CronSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sched, ok := f.crons[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return cloneCron(sched), nil
}

func (f *fakeBackend) GetCronScheduleByName(_ context.Context, name string) (*domain.CronSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sched := range f.crons {
		if sched.ScheduleName == name {
			return cloneCron(sched), nil
		}
	}
	return nil, domain.ErrScheduleNotFound
}

func (f *fakeBackend) ListCronSchedules(context.Context) ([]*domain.CronSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.CronSchedule, 0, len(f.crons))
	for _, sched := range f.crons {
		out = append(out, cloneCron(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBackend) PauseCronSchedule(_ context.Context, id int64) error {
	return f.setCronStatus(id, domain.SchedulePaused)
}

func (f *fakeBackend) ResumeCronSchedule(_ context.Context, id int64) error {
	return f.setCronStatus(id, domain.ScheduleActive)
}

func (f *fakeBackend) setCronStatus(id int64, status domain.ScheduleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sched, ok := f.crons[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	sched.Status = status
	return nil
}

func (f *fakeBackend) EditCronSchedule(_ context.Context, id int64, upd repository.CronUpdate) (*domain.CronSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sched, ok := f.crons[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	if upd.CronExpression != nil {
		sched.CronExpression = *upd.CronExpression
	}
	if upd.Timezone != nil {
		sched.Timezone = *upd.Timezone
	}
	if upd.Payload != nil {
		sched.Payload = upd.Payload
	}
	if upd.Priority != nil {
		sched.Priority = *upd.Priority
	}
	if upd.MaxAttempts != nil {
		sched.MaxAttempts = *upd.MaxAttempts
	}
	if upd.TimeoutMs != nil {
		sched.TimeoutMs = *upd.TimeoutMs
	}
	if upd.Tags != nil {
		sched.Tags = upd.Tags
	}
	if upd.AllowOverlap != nil {
		sched.AllowOverlap = *upd.AllowOverlap
	}
	if upd.NextRunAt != nil {
		sched.NextRunAt = upd.NextRunAt.UTC()
	}
	return cloneCron(sched), nil
}

func (f *fakeBackend) RemoveCronSchedule(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.crons[id]; !ok {
		return domain.ErrScheduleNotFound
	}
	delete(f.crons, id)
	return nil
}

func (f *fakeBackend) GetDueCronSchedules(_ context.Context, limit int) ([]*domain.CronSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock()
	var out []*domain.CronSchedule
	for _, sched := range f.crons {
		if sched.Status != domain.ScheduleActive || sched.NextRunAt.After(now) {
			continue
		}
		out = append(out, cloneCron(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeBackend) UpdateCronScheduleAfterEnqueue(_ context.Context, id int64, enqueuedAt time.Time, jobID *int64, nextRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sched, ok := f.crons[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	sched.NextRunAt = nextRunAt.UTC()
	if jobID != nil {
		at := enqueuedAt.UTC()
		sched.LastEnqueuedAt = &at
		sched.LastJobID = jobID
	}
	return nil
}

func cloneJob(job *domain.Job) *domain.Job {
	cp := *job
	cp.StepData = cloneStepData(job.StepData)
	cp.Tags = append([]string(nil), job.Tags...)
	cp.ErrorHistory = append([]domain.ErrorEntry(nil), job.ErrorHistory...)
	return &cp
}

func cloneStepData(sd domain.StepData) domain.StepData {
	if sd == nil {
		return nil
	}
	cp := make(domain.StepData, len(sd))
	for k, v := range sd {
		cp[k] = v
	}
	return cp
}

func cloneWaitpoint(wp *domain.Waitpoint) *domain.Waitpoint {
	cp := *wp
	return &cp
}

func cloneCron(sched *domain.CronSchedule) *domain.CronSchedule {
	cp := *sched
	cp.Tags = append([]string(nil), sched.Tags...)
	return &cp
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
