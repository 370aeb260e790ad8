package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/crontab"
	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/metrics"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

const (
	defaultSupervisorInterval = time.Minute
	defaultStuckJobsTimeout   = 10 * time.Minute
	defaultCleanupDays        = 30
	defaultCleanupBatch       = 1000
	cronClaimLimit            = 100
)

// Supervisor runs the periodic maintenance pass: reclaiming stuck jobs,
// deleting old terminal jobs and events, expiring timed-out tokens and
// enqueueing due cron schedules. Any number of supervisors can run against
// the same backend; the claim queries keep them from double-firing.
type Supervisor struct {
	backend repository.Backend
	emitter *Emitter
	logger  *slog.Logger

	interval      time.Duration
	stuckTimeout  time.Duration
	jobsRetention time.Duration
	evtsRetention time.Duration
	cleanupBatch  int
	reclaim       bool
	expireTokens  bool
	onError       func(error)
	now           func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
}

func newSupervisor(backend repository.Backend, emitter *Emitter, logger *slog.Logger, opts SupervisorOptions) *Supervisor {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSupervisorInterval
	}
	stuck := opts.StuckJobsTimeout
	if stuck <= 0 {
		stuck = defaultStuckJobsTimeout
	}
	jobsDays := opts.CleanupJobsDaysToKeep
	if jobsDays <= 0 {
		jobsDays = defaultCleanupDays
	}
	evtsDays := opts.CleanupEventsDays
	if evtsDays <= 0 {
		evtsDays = defaultCleanupDays
	}
	batch := opts.CleanupBatchSize
	if batch <= 0 {
		batch = defaultCleanupBatch
	}
	reclaim := true
	if opts.ReclaimStuckJobs != nil {
		reclaim = *opts.ReclaimStuckJobs
	}
	expire := true
	if opts.ExpireTimedOutTokens != nil {
		expire = *opts.ExpireTimedOutTokens
	}
	onError := opts.OnError
	if onError == nil {
		onError = func(error) {}
	}
	return &Supervisor{
		backend:       backend,
		emitter:       emitter,
		logger:        logger.With("component", "supervisor"),
		interval:      interval,
		stuckTimeout:  stuck,
		jobsRetention: time.Duration(jobsDays) * 24 * time.Hour,
		evtsRetention: time.Duration(evtsDays) * 24 * time.Hour,
		cleanupBatch:  batch,
		reclaim:       reclaim,
		expireTokens:  expire,
		onError:       onError,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce executes a single maintenance pass. Each task is isolated: a
// failing task is reported through OnError and the pass moves on.
func (s *Supervisor) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SupervisorCycleDuration.Observe(time.Since(start).Seconds())
	}()

	if s.reclaim {
		s.runTask(ctx, "reclaim stuck jobs", func(ctx context.Context) error {
			n, err := s.backend.ReclaimStuckJobs(ctx, s.stuckTimeout)
			if err != nil {
				return err
			}
			if n > 0 {
				metrics.JobsReclaimedTotal.Add(float64(n))
				s.logger.Warn("reclaimed stuck jobs", "count", n, "older_than", s.stuckTimeout)
			}
			return nil
		})
	}

	s.runTask(ctx, "cleanup old jobs", func(ctx context.Context) error {
		n, err := s.backend.CleanupOldJobs(ctx, s.jobsRetention, s.cleanupBatch)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("deleted old jobs", "count", n)
		}
		return nil
	})

	s.runTask(ctx, "cleanup old job events", func(ctx context.Context) error {
		n, err := s.backend.CleanupOldJobEvents(ctx, s.evtsRetention, s.cleanupBatch)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("deleted old job events", "count", n)
		}
		return nil
	})

	if s.expireTokens {
		s.runTask(ctx, "expire timed out tokens", func(ctx context.Context) error {
			n, err := s.backend.ExpireTimedOutWaitpoints(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				metrics.TokensExpiredTotal.Add(float64(n))
				s.logger.Info("expired tokens", "count", n)
			}
			return nil
		})
	}

	s.runTask(ctx, "enqueue due cron jobs", s.enqueueDueCronJobs)
}

func (s *Supervisor) runTask(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("supervisor task failed", "task", name, "error", err)
		s.onError(fmt.Errorf("%s: %w", name, err))
		s.emitter.Emit(Event{Kind: KindError, Err: err})
	}
}

// enqueueDueCronJobs materializes one job per due schedule. The
// idempotency key derived from the schedule id and planned run time makes
// concurrent supervisors converge on a single job per occurrence.
func (s *Supervisor) enqueueDueCronJobs(ctx context.Context) error {
	due, err := s.backend.GetDueCronSchedules(ctx, cronClaimLimit)
	if err != nil {
		return fmt.Errorf("get due schedules: %w", err)
	}
	now := s.now()
	for _, sched := range due {
		if err := s.fireSchedule(ctx, sched, now); err != nil {
			s.logger.Error("cron schedule fire failed",
				"schedule", sched.ScheduleName, "error", err)
			s.onError(err)
		}
	}
	return nil
}

func (s *Supervisor) fireSchedule(ctx context.Context, sched *domain.CronSchedule, now time.Time) error {
	next, err := crontab.NextAfterMissed(sched.CronExpression, sched.Timezone, sched.NextRunAt, now)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", sched.ScheduleName, err)
	}
	if next.IsZero() {
		// The expression has no future occurrence. Park the schedule
		// rather than re-claiming it every tick.
		s.logger.Warn("cron schedule has no future occurrence, pausing",
			"schedule", sched.ScheduleName, "expression", sched.CronExpression)
		return s.backend.PauseCronSchedule(ctx, sched.ID)
	}

	if !sched.AllowOverlap && sched.LastJobID != nil {
		last, err := s.backend.GetJob(ctx, *sched.LastJobID)
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return fmt.Errorf("schedule %q: check last job: %w", sched.ScheduleName, err)
		}
		if last != nil && !last.Status.Terminal() {
			// Previous run still active; advance the clock and skip.
			s.logger.Info("cron occurrence skipped, previous job still active",
				"schedule", sched.ScheduleName, "last_job_id", *sched.LastJobID)
			return s.backend.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, now, nil, next)
		}
	}

	idemKey := fmt.Sprintf("cron:%d:%d", sched.ID, sched.NextRunAt.Unix())
	job, created, err := s.backend.AddJob(ctx, repository.AddJobInput{
		JobType:            sched.JobType,
		Payload:            sched.Payload,
		Priority:           sched.Priority,
		MaxAttempts:        sched.MaxAttempts,
		TimeoutMs:          sched.TimeoutMs,
		ForceKillOnTimeout: sched.ForceKill,
		Tags:               sched.Tags,
		IdempotencyKey:     idemKey,
	})
	if err != nil {
		return fmt.Errorf("schedule %q: enqueue: %w", sched.ScheduleName, err)
	}
	if created {
		metrics.CronJobsEnqueuedTotal.Inc()
		meta, _ := json.Marshal(map[string]any{"schedule_name": sched.ScheduleName})
		if rerr := s.backend.RecordJobEvent(ctx, job.ID, domain.EventAdded, meta); rerr != nil {
			s.logger.Warn("record cron event failed", "job_id", job.ID, "error", rerr)
		}
		s.emitter.Emit(Event{Kind: KindAdded, JobID: job.ID, Job: job})
		s.logger.Info("cron job enqueued",
			"schedule", sched.ScheduleName, "job_id", job.ID, "next_run_at", next)
	}
	jobID := job.ID
	return s.backend.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, now, &jobID, next)
}

// Start runs maintenance passes on the configured interval until Stop or
// ctx cancellation. The first pass runs immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.logger.Info("supervisor started",
			"interval", s.interval,
			"stuck_jobs_timeout", s.stuckTimeout,
			"reclaim", s.reclaim,
			"expire_tokens", s.expireTokens)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(loopCtx)
			}
		}
	}()
}

// IsRunning reports whether the maintenance loop is active.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop halts the loop and waits for an in-progress pass to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.loopWG.Wait()
	s.logger.Info("supervisor stopped")
}
