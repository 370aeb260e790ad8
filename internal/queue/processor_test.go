package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, backend *fakeBackend, handlers Handlers) *Queue {
	t.Helper()
	return New(backend, handlers, testLogger())
}

func mustAddJob(t *testing.T, q *Queue, opts JobOptions) *domain.Job {
	t.Helper()
	job, err := q.AddJob(context.Background(), opts)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	return job
}

func mustGetJob(t *testing.T, backend *fakeBackend, id int64) *domain.Job {
	t.Helper()
	job, err := backend.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%d): %v", id, err)
	}
	return job
}

func TestProcessorRunsJobsInPriorityOrder(t *testing.T) {
	backend := newFakeBackend()

	var mu sync.Mutex
	var order []int
	handlers := Handlers{
		"collect": func(_ context.Context, payload json.RawMessage, _ *JobContext) error {
			var n int
			if err := json.Unmarshal(payload, &n); err != nil {
				return err
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return nil
		},
	}
	q := newTestQueue(t, backend, handlers)

	mustAddJob(t, q, JobOptions{JobType: "collect", Payload: 1, Priority: 0})
	mustAddJob(t, q, JobOptions{JobType: "collect", Payload: 2, Priority: 10})
	mustAddJob(t, q, JobOptions{JobType: "collect", Payload: 3, Priority: 10})
	mustAddJob(t, q, JobOptions{JobType: "collect", Payload: 4, Priority: 5})

	p, err := q.CreateProcessor(ProcessorOptions{Concurrency: 1})
	if err != nil {
		t.Fatalf("CreateProcessor: %v", err)
	}
	claimed, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if claimed != 4 {
		t.Fatalf("claimed = %d, want 4", claimed)
	}

	want := []int{2, 3, 4, 1}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("ran %d jobs, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestProcessorDoesNotClaimFutureJobs(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQueue(t, backend, Handlers{
		"noop": func(context.Context, json.RawMessage, *JobContext) error { return nil },
	})

	future := time.Now().Add(time.Hour)
	job := mustAddJob(t, q, JobOptions{JobType: "noop", RunAt: &future})

	p, _ := q.CreateProcessor(ProcessorOptions{})
	claimed, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if claimed != 0 {
		t.Fatalf("claimed = %d, want 0", claimed)
	}
	if got := mustGetJob(t, backend, job.ID).Status; got != domain.StatusPending {
		t.Fatalf("status = %q, want pending", got)
	}
}

func TestProcessorRetriesWithBackoff(t *testing.T) {
	backend := newFakeBackend()
	backend.advance(0) // freeze the clock

	attempts := 0
	q := newTestQueue(t, backend, Handlers{
		"flaky": func(context.Context, json.RawMessage, *JobContext) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient downstream error")
			}
			return nil
		},
	})
	job := mustAddJob(t, q, JobOptions{JobType: "flaky", MaxAttempts: 3})
	p, _ := q.CreateProcessor(ProcessorOptions{})

	// Attempt 1 fails: job goes back to pending 1 minute out.
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := mustGetJob(t, backend, job.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status after attempt 1 = %q, want pending", got.Status)
	}
	if len(got.ErrorHistory) != 1 {
		t.Fatalf("error history length = %d, want 1", len(got.ErrorHistory))
	}

	// Not yet due: nothing to claim.
	if claimed, _ := p.Start(context.Background()); claimed != 0 {
		t.Fatalf("claimed before backoff elapsed = %d, want 0", claimed)
	}

	// Attempt 2 after 1 minute, fails again, reschedules 2 minutes out.
	backend.advance(time.Minute + time.Second)
	if claimed, _ := p.Start(context.Background()); claimed != 1 {
		t.Fatal("job not claimed after first backoff")
	}

	// Attempt 3 after 2 more minutes succeeds.
	backend.advance(2*time.Minute + time.Second)
	if claimed, _ := p.Start(context.Background()); claimed != 1 {
		t.Fatal("job not claimed after second backoff")
	}

	got = mustGetJob(t, backend, job.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("final status = %q, want completed", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
}

func TestProcessorFailsPermanentlyAfterMaxAttempts(t *testing.T) {
	backend := newFakeBackend()
	backend.advance(0)

	q := newTestQueue(t, backend, Handlers{
		"doomed": func(context.Context, json.RawMessage, *JobContext) error {
			return errors.New("always broken")
		},
	})
	job := mustAddJob(t, q, JobOptions{JobType: "doomed", MaxAttempts: 2})
	p, _ := q.CreateProcessor(ProcessorOptions{})

	var failedID int64
	var failedMu sync.Mutex
	q.On(KindFailed, func(ev Event) {
		failedMu.Lock()
		failedID = ev.JobID
		failedMu.Unlock()
	})

	p.Start(context.Background())
	backend.advance(2 * time.Minute)
	p.Start(context.Background())

	got := mustGetJob(t, backend, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != domain.FailureHandlerError {
		t.Fatalf("failure reason = %v, want handler_error", got.FailureReason)
	}
	if len(got.ErrorHistory) != 2 {
		t.Fatalf("error history length = %d, want 2", len(got.ErrorHistory))
	}

	deadline := time.After(time.Second)
	for {
		failedMu.Lock()
		id := failedID
		failedMu.Unlock()
		if id == job.ID {
			break
		}
		select {
		case <-deadline:
			t.Fatal("failed event never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestProcessorHandlerPanicIsFailure(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQueue(t, backend, Handlers{
		"bomb": func(context.Context, json.RawMessage, *JobContext) error {
			panic("boom")
		},
	})
	job := mustAddJob(t, q, JobOptions{JobType: "bomb", MaxAttempts: 1})
	p, _ := q.CreateProcessor(ProcessorOptions{})
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := mustGetJob(t, backend, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if len(got.ErrorHistory) == 0 {
		t.Fatal("panic left no error history")
	}
}

func TestProcessorTimesOutSlowHandler(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQueue(t, backend, Handlers{
		"slow": func(ctx context.Context, _ json.RawMessage, _ *JobContext) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	})
	job := mustAddJob(t, q, JobOptions{JobType: "slow", TimeoutMs: 50, MaxAttempts: 1})
	p, _ := q.CreateProcessor(ProcessorOptions{})
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := mustGetJob(t, backend, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != domain.FailureTimeout {
		t.Fatalf("failure reason = %v, want timeout", got.FailureReason)
	}
}

func TestProcessorMissingHandler(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQueue(t, backend, Handlers{})

	job := mustAddJob(t, q, JobOptions{JobType: "unknown", MaxAttempts: 1})
	sibling := mustAddJob(t, q, JobOptions{JobType: "unknown", MaxAttempts: 1, Priority: -1})

	p, _ := q.CreateProcessor(ProcessorOptions{BatchSize: 1})
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := mustGetJob(t, backend, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != domain.FailureNoHandler {
		t.Fatalf("failure reason = %v, want no_handler", got.FailureReason)
	}

	// The unclaimed sibling is stamped with a diagnostic.
	sib := mustGetJob(t, backend, sibling.ID)
	if sib.PendingReason == nil {
		t.Fatal("sibling pending_reason not stamped")
	}
}

func TestProcessorJobTypeFilter(t *testing.T) {
	backend := newFakeBackend()
	ran := make(map[string]bool)
	var mu sync.Mutex
	record := func(name string) Handler {
		return func(context.Context, json.RawMessage, *JobContext) error {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return nil
		}
	}
	q := newTestQueue(t, backend, Handlers{
		"email":  record("email"),
		"report": record("report"),
	})
	mustAddJob(t, q, JobOptions{JobType: "email"})
	mustAddJob(t, q, JobOptions{JobType: "report"})

	p, _ := q.CreateProcessor(ProcessorOptions{JobTypes: []string{"email"}})
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !ran["email"] {
		t.Fatal("email job was not run")
	}
	if ran["report"] {
		t.Fatal("report job ran despite the type filter")
	}
}

func TestProcessorStartInBackgroundAndStop(t *testing.T) {
	backend := newFakeBackend()
	done := make(chan struct{}, 1)
	q := newTestQueue(t, backend, Handlers{
		"ping": func(context.Context, json.RawMessage, *JobContext) error {
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		},
	})
	mustAddJob(t, q, JobOptions{JobType: "ping"})

	p, _ := q.CreateProcessor(ProcessorOptions{PollInterval: 10 * time.Millisecond})
	p.StartInBackground(context.Background())
	if !p.IsRunning() {
		t.Fatal("processor not running after StartInBackground")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background processor never ran the job")
	}

	if err := p.StopAndDrain(time.Second); err != nil {
		t.Fatalf("StopAndDrain: %v", err)
	}
	if p.IsRunning() {
		t.Fatal("processor still running after Stop")
	}
}

func TestProcessorStopAndDrainEnforcesDeadline(t *testing.T) {
	backend := newFakeBackend()
	started := make(chan struct{})
	release := make(chan struct{})
	q := newTestQueue(t, backend, Handlers{
		"stubborn": func(context.Context, json.RawMessage, *JobContext) error {
			close(started)
			// Ignores cancellation on purpose.
			<-release
			return nil
		},
	})
	job := mustAddJob(t, q, JobOptions{JobType: "stubborn"})

	p, _ := q.CreateProcessor(ProcessorOptions{PollInterval: 10 * time.Millisecond})
	p.StartInBackground(context.Background())
	<-started

	done := make(chan error, 1)
	go func() { done <- p.StopAndDrain(100 * time.Millisecond) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("StopAndDrain returned nil with a handler still running")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StopAndDrain blocked past its deadline on a stuck handler")
	}
	if p.IsRunning() {
		t.Fatal("processor still polling after StopAndDrain")
	}

	// The abandoned job stays locked in processing for the supervisor.
	if got := mustGetJob(t, backend, job.ID).Status; got != domain.StatusProcessing {
		t.Fatalf("status = %q, want processing", got)
	}
	close(release)
}

func TestProcessorStopAndDrainWaitsForFinishingHandlers(t *testing.T) {
	backend := newFakeBackend()
	started := make(chan struct{})
	q := newTestQueue(t, backend, Handlers{
		"slowish": func(context.Context, json.RawMessage, *JobContext) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})
	job := mustAddJob(t, q, JobOptions{JobType: "slowish"})

	p, _ := q.CreateProcessor(ProcessorOptions{PollInterval: 10 * time.Millisecond})
	p.StartInBackground(context.Background())
	<-started

	if err := p.StopAndDrain(2 * time.Second); err != nil {
		t.Fatalf("StopAndDrain: %v", err)
	}
	if got := mustGetJob(t, backend, job.ID).Status; got != domain.StatusCompleted {
		t.Fatalf("status after drain = %q, want completed", got)
	}
}

func TestProcessorForceKillWithoutIsolatedHandlerWarns(t *testing.T) {
	backend := newFakeBackend()
	var buf bytes.Buffer
	q := New(backend, Handlers{
		"resize": func(context.Context, json.RawMessage, *JobContext) error { return nil },
	}, slog.New(slog.NewTextHandler(&buf, nil)))

	job, err := q.AddJob(context.Background(), JobOptions{JobType: "resize", ForceKillOnTimeout: true})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	p, _ := q.CreateProcessor(ProcessorOptions{})
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The job still runs in process, but the lost hard-kill guarantee is
	// called out.
	if got := mustGetJob(t, backend, job.ID).Status; got != domain.StatusCompleted {
		t.Fatalf("status = %q, want completed", got)
	}
	if !strings.Contains(buf.String(), "no isolated handler") {
		t.Fatal("missing warning about the missing isolated handler")
	}
}

func TestProcessorConcurrencyCap(t *testing.T) {
	backend := newFakeBackend()

	var mu sync.Mutex
	inFlight, peak := 0, 0
	q := newTestQueue(t, backend, Handlers{
		"work": func(context.Context, json.RawMessage, *JobContext) error {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		},
	})
	for i := 0; i < 6; i++ {
		mustAddJob(t, q, JobOptions{JobType: "work"})
	}

	p, _ := q.CreateProcessor(ProcessorOptions{BatchSize: 6, Concurrency: 2})
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}
