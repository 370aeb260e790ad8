package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/log"
	"github.com/nicnocquee/dataqueue-sub002/internal/metrics"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

const (
	defaultBatchSize    = 10
	defaultConcurrency  = 3
	defaultPollInterval = 5 * time.Second
	defaultTimeout      = 30 * time.Minute
)

// Processor claims batches of due jobs and runs their handlers under a
// bounded concurrency limit. Create one per worker process via
// Queue.CreateProcessor; multiple processors on the same backend never
// receive the same job.
type Processor struct {
	backend  repository.Backend
	handlers Handlers
	isolated IsolatedHandlers
	emitter  *Emitter
	logger   *slog.Logger

	workerID       string
	batchSize      int
	concurrency    int
	pollInterval   time.Duration
	jobTypes       []string
	defaultTimeout time.Duration
	onError        func(error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	jobWG   sync.WaitGroup
}

func newProcessor(backend repository.Backend, handlers Handlers, emitter *Emitter, logger *slog.Logger, opts ProcessorOptions) *Processor {
	workerID := opts.WorkerID
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if concurrency > batchSize {
		concurrency = batchSize
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	timeout := defaultTimeout
	if opts.DefaultTimeoutMs > 0 {
		timeout = time.Duration(opts.DefaultTimeoutMs) * time.Millisecond
	}
	onError := opts.OnError
	if onError == nil {
		onError = func(error) {}
	}
	return &Processor{
		backend:        backend,
		handlers:       handlers,
		isolated:       opts.Isolated,
		emitter:        emitter,
		logger:         logger.With("component", "processor", "worker_id", workerID),
		workerID:       workerID,
		batchSize:      batchSize,
		concurrency:    concurrency,
		pollInterval:   pollInterval,
		jobTypes:       opts.JobTypes,
		defaultTimeout: timeout,
		onError:        onError,
	}
}

// WorkerID returns the identity stamped on claimed jobs.
func (p *Processor) WorkerID() string { return p.workerID }

// Start claims one batch and runs it to completion, returning the number
// of jobs claimed. A zero count with a nil error means the queue was
// empty. On context cancellation it returns without waiting for in-flight
// handlers; StopAndDrain bounds the wait for those.
func (p *Processor) Start(ctx context.Context) (int, error) {
	jobs, err := p.backend.GetNextBatch(ctx, p.workerID, p.batchSize, p.jobTypes)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	metrics.JobsClaimedTotal.Add(float64(len(jobs)))
	now := time.Now()
	for _, job := range jobs {
		metrics.JobPickupLatency.Observe(now.Sub(job.CreatedAt).Seconds())
		p.emitter.Emit(Event{Kind: KindClaimed, JobID: job.ID, Job: job})
	}

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Claimed but never started. Leave the rows locked; the
			// supervisor reclaims them after the stuck-job timeout.
			return len(jobs), ctx.Err()
		}
		wg.Add(1)
		p.jobWG.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			p.runJob(ctx, job)
		}(job)
	}

	batchDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(batchDone)
	}()
	select {
	case <-batchDone:
		return len(jobs), nil
	case <-ctx.Done():
		// Handlers that ignore cancellation keep running, tracked by
		// jobWG; StopAndDrain bounds the wait for them and stragglers
		// stay in processing until the supervisor reclaims them.
		return len(jobs), ctx.Err()
	}
}

// StartInBackground polls continuously until Stop. A full batch triggers
// an immediate re-poll; otherwise the next poll waits pollInterval.
func (p *Processor) StartInBackground(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.loopWG.Add(1)
	go func() {
		defer p.loopWG.Done()
		p.logger.Info("processor started",
			"batch_size", p.batchSize,
			"concurrency", p.concurrency,
			"poll_interval", p.pollInterval)
		for {
			claimed, err := p.Start(loopCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.logger.Error("poll failed", "error", err)
				p.onError(err)
				p.emitter.Emit(Event{Kind: KindError, Err: err})
			}
			if claimed >= p.batchSize {
				// Backlog likely remains; skip the idle wait.
				continue
			}
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(p.pollInterval):
			}
		}
	}()
}

// IsRunning reports whether the background loop is active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop halts polling. In-flight handlers keep running; use StopAndDrain
// to wait for them.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.loopWG.Wait()
	p.logger.Info("processor stopped")
}

// StopAndDrain stops polling and waits up to timeout for in-flight
// handlers to finish. Jobs still running at the deadline stay in
// processing and are reclaimed by the supervisor later.
func (p *Processor) StopAndDrain(timeout time.Duration) error {
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("drain timed out after %s", timeout)
	}
}

// runJob only decrements jobWG; the dispatch site increments it before
// the goroutine starts so the counter never races StopAndDrain's Wait.
func (p *Processor) runJob(ctx context.Context, job *domain.Job) {
	defer p.jobWG.Done()

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	ctx = log.WithJobID(ctx, job.ID)
	logger := p.logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)

	timeout := p.defaultTimeout
	if job.TimeoutMs > 0 {
		timeout = time.Duration(job.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	outcome, err := p.invoke(runCtx, job)
	elapsed := time.Since(start)
	metrics.JobExecutionDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
	metrics.JobsProcessedTotal.WithLabelValues(string(outcome)).Inc()

	switch outcome {
	case outcomeSuspended:
		logger.Info("job suspended", "duration", elapsed)
		p.emitter.Emit(Event{Kind: KindWaiting, JobID: job.ID, Job: job})

	case outcomeCompleted:
		if cerr := p.backend.CompleteJob(ctx, job.ID); cerr != nil {
			// Transient store errors leave the row locked; the supervisor
			// reclaims it and the handler runs again.
			if domain.IsTransient(cerr) {
				logger.Warn("complete failed, job left for reclaim", "error", cerr)
			} else {
				logger.Error("complete failed", "error", cerr)
			}
			p.onError(cerr)
			return
		}
		logger.Info("job completed", "duration", elapsed)
		p.emitter.Emit(Event{Kind: KindCompleted, JobID: job.ID, Job: job})

	case outcomeFailed, outcomeTimedOut, outcomeNoHandler:
		reason := domain.FailureHandlerError
		switch outcome {
		case outcomeTimedOut:
			reason = domain.FailureTimeout
		case outcomeNoHandler:
			reason = domain.FailureNoHandler
		}
		updated, ferr := p.backend.FailJob(context.WithoutCancel(ctx), job.ID, err.Error(), reason)
		if ferr != nil {
			if domain.IsTransient(ferr) {
				logger.Warn("record failure failed, job left for reclaim", "error", ferr)
			} else {
				logger.Error("record failure failed", "error", ferr)
			}
			p.onError(ferr)
			return
		}
		if updated != nil && updated.Status == domain.StatusPending {
			logger.Warn("job failed, will retry",
				"error", err,
				"attempt", job.Attempts,
				"next_attempt_at", updated.NextAttemptAt)
		} else {
			logger.Error("job failed permanently", "error", err, "attempts", job.Attempts)
			p.emitter.Emit(Event{Kind: KindFailed, JobID: job.ID, Job: updated, Err: err})
		}
	}
}

type runOutcome string

const (
	outcomeCompleted runOutcome = "completed"
	outcomeFailed    runOutcome = "failed"
	outcomeTimedOut  runOutcome = "timeout"
	outcomeSuspended runOutcome = "suspended"
	outcomeNoHandler runOutcome = "no_handler"
)

// invoke runs one handler attempt and classifies the result. A
// suspendSignal panic is the wait machinery's early return; any other
// panic is converted into a handler error.
func (p *Processor) invoke(runCtx context.Context, job *domain.Job) (outcome runOutcome, err error) {
	if job.ForceKillOnTimeout {
		if isolated, ok := p.isolated[job.JobType]; ok {
			return p.invokeIsolated(runCtx, job, isolated)
		}
		// In-process execution cannot hard-kill a blown timeout.
		p.logger.Warn("force-kill job has no isolated handler, running in process",
			"job_id", job.ID, "job_type", job.JobType)
	}

	handler, ok := p.handlers[job.JobType]
	if !ok {
		reason := fmt.Sprintf("no handler registered for job type %q", job.JobType)
		// Stamp siblings of this type still sitting in pending so an
		// operator can see why nothing is picking them up.
		if _, perr := p.backend.SetPendingReasonForJobType(runCtx, job.JobType, reason); perr != nil {
			p.logger.Warn("stamp pending reason failed", "job_type", job.JobType, "error", perr)
		}
		return outcomeNoHandler, errors.New(reason)
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(suspendSignal); ok {
				outcome, err = outcomeSuspended, nil
				return
			}
			outcome, err = outcomeFailed, fmt.Errorf("handler panic: %v", r)
		}
	}()

	jc := newJobContext(job, p.backend, p.logger)
	herr := handler(runCtx, job.Payload, jc)
	if herr == nil {
		return outcomeCompleted, nil
	}
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return outcomeTimedOut, fmt.Errorf("job timed out: %w", herr)
	}
	return outcomeFailed, herr
}
