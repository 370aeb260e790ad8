package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
)

func TestSupervisorReclaimsStuckJobs(t *testing.T) {
	backend := newFakeBackend()
	backend.advance(0)

	q := newTestQueue(t, backend, Handlers{
		"stuck": func(context.Context, json.RawMessage, *JobContext) error { return nil },
	})
	job := mustAddJob(t, q, JobOptions{JobType: "stuck"})

	// Claim the job and simulate a worker crash by never resolving it.
	if _, err := backend.GetNextBatch(context.Background(), "dead-worker", 1, nil); err != nil {
		t.Fatalf("GetNextBatch: %v", err)
	}

	sup := q.CreateSupervisor(SupervisorOptions{StuckJobsTimeout: 10 * time.Minute})

	// Fresh lock: nothing to reclaim.
	sup.RunOnce(context.Background())
	if got := mustGetJob(t, backend, job.ID).Status; got != domain.StatusProcessing {
		t.Fatalf("status = %q, want processing", got)
	}

	backend.advance(11 * time.Minute)
	sup.RunOnce(context.Background())
	got := mustGetJob(t, backend, job.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status after reclaim = %q, want pending", got.Status)
	}
	// The interrupted claim already consumed its attempt.
	if got.Attempts != 1 {
		t.Fatalf("attempts after reclaim = %d, want 1", got.Attempts)
	}
}

func TestSupervisorReclaimDisabled(t *testing.T) {
	backend := newFakeBackend()
	backend.advance(0)

	q := newTestQueue(t, backend, Handlers{})
	job := mustAddJob(t, q, JobOptions{JobType: "stuck"})
	backend.GetNextBatch(context.Background(), "dead-worker", 1, nil)
	backend.advance(time.Hour)

	off := false
	sup := q.CreateSupervisor(SupervisorOptions{ReclaimStuckJobs: &off})
	sup.RunOnce(context.Background())

	if got := mustGetJob(t, backend, job.ID).Status; got != domain.StatusProcessing {
		t.Fatalf("status = %q, want processing (reclaim disabled)", got)
	}
}

func TestSupervisorCleansUpOldTerminalJobs(t *testing.T) {
	backend := newFakeBackend()
	backend.advance(0)

	q := newTestQueue(t, backend, Handlers{
		"noop": func(context.Context, json.RawMessage, *JobContext) error { return nil },
	})
	old := mustAddJob(t, q, JobOptions{JobType: "noop"})
	keepPending := mustAddJob(t, q, JobOptions{JobType: "later"})

	p, _ := q.CreateProcessor(ProcessorOptions{JobTypes: []string{"noop"}})
	p.Start(context.Background())

	backend.advance(40 * 24 * time.Hour)
	recent := mustAddJob(t, q, JobOptions{JobType: "noop"})
	p.Start(context.Background())

	sup := q.CreateSupervisor(SupervisorOptions{CleanupJobsDaysToKeep: 30})
	sup.RunOnce(context.Background())

	if _, err := backend.GetJob(context.Background(), old.ID); err == nil {
		t.Fatal("old completed job survived cleanup")
	}
	if _, err := backend.GetJob(context.Background(), recent.ID); err != nil {
		t.Fatal("recent completed job was deleted")
	}
	// Non-terminal jobs are never cleaned up regardless of age.
	if _, err := backend.GetJob(context.Background(), keepPending.ID); err != nil {
		t.Fatal("pending job was deleted")
	}
}

func TestSupervisorExpiresTokens(t *testing.T) {
	backend := newFakeBackend()
	backend.advance(0)

	q := newTestQueue(t, backend, Handlers{})
	wp, err := q.CreateToken(context.Background(), CreateTokenOptions{Timeout: "5m"})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	sup := q.CreateSupervisor(SupervisorOptions{})
	backend.advance(6 * time.Minute)
	sup.RunOnce(context.Background())

	got, err := q.GetToken(context.Background(), wp.ID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Status != domain.WaitpointExpired {
		t.Fatalf("token status = %q, want expired", got.Status)
	}
}

func TestSupervisorEnqueuesDueCronJobs(t *testing.T) {
	backend := newFakeBackend()
	backend.advance(0)

	q := newTestQueue(t, backend, Handlers{})
	sched, err := q.AddCronJob(context.Background(), CronScheduleOptions{
		ScheduleName:   "nightly-report",
		CronExpression: "0 3 * * *",
		JobType:        "report",
		Payload:        map[string]string{"kind": "nightly"},
		Tags:           []string{"reports"},
	})
	if err != nil {
		t.Fatalf("AddCronJob: %v", err)
	}

	sup := q.CreateSupervisor(SupervisorOptions{})
	sup.now = backend.clock

	// Not yet due.
	sup.RunOnce(context.Background())
	if jobs, _ := q.GetAllJobs(context.Background(), 10); len(jobs) != 0 {
		t.Fatalf("jobs before due time = %d, want 0", len(jobs))
	}

	backend.advance(25 * time.Hour)
	sup.RunOnce(context.Background())

	jobs, err := q.GetAllJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetAllJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs after due time = %d, want 1", len(jobs))
	}
	if jobs[0].JobType != "report" {
		t.Fatalf("job type = %q, want report", jobs[0].JobType)
	}

	// The same pass must not double-fire.
	sup.RunOnce(context.Background())
	if jobs, _ := q.GetAllJobs(context.Background(), 10); len(jobs) != 1 {
		t.Fatalf("jobs after second pass = %d, want 1", len(jobs))
	}

	updated, err := q.GetCronJob(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("GetCronJob: %v", err)
	}
	if updated.LastJobID == nil || *updated.LastJobID != jobs[0].ID {
		t.Fatal("last_job_id not recorded on the schedule")
	}
	if !updated.NextRunAt.After(backend.clock()) {
		t.Fatalf("next_run_at = %s, want in the future", updated.NextRunAt)
	}
}

func TestSupervisorSkipsOverlappingCronRun(t *testing.T) {
	backend := newFakeBackend()
	backend.advance(0)

	q := newTestQueue(t, backend, Handlers{})
	sched, err := q.AddCronJob(context.Background(), CronScheduleOptions{
		ScheduleName:   "sync",
		CronExpression: "* * * * *",
		JobType:        "sync",
	})
	if err != nil {
		t.Fatalf("AddCronJob: %v", err)
	}

	sup := q.CreateSupervisor(SupervisorOptions{})
	sup.now = backend.clock

	backend.advance(2 * time.Minute)
	sup.RunOnce(context.Background())
	jobs, _ := q.GetAllJobs(context.Background(), 10)
	if len(jobs) != 1 {
		t.Fatalf("jobs after first fire = %d, want 1", len(jobs))
	}

	// The first job is still pending when the next occurrence comes due:
	// with AllowOverlap false the occurrence is skipped.
	backend.advance(2 * time.Minute)
	sup.RunOnce(context.Background())
	if jobs, _ := q.GetAllJobs(context.Background(), 10); len(jobs) != 1 {
		t.Fatalf("jobs after overlap skip = %d, want 1", len(jobs))
	}

	updated, _ := q.GetCronJob(context.Background(), sched.ID)
	if !updated.NextRunAt.After(backend.clock()) {
		t.Fatal("next_run_at not advanced on overlap skip")
	}
}

func TestSupervisorPausedScheduleDoesNotFire(t *testing.T) {
	backend := newFakeBackend()
	backend.advance(0)

	q := newTestQueue(t, backend, Handlers{})
	sched, err := q.AddCronJob(context.Background(), CronScheduleOptions{
		ScheduleName:   "paused",
		CronExpression: "* * * * *",
		JobType:        "noop",
	})
	if err != nil {
		t.Fatalf("AddCronJob: %v", err)
	}
	if err := q.PauseCronJob(context.Background(), sched.ID); err != nil {
		t.Fatalf("PauseCronJob: %v", err)
	}

	sup := q.CreateSupervisor(SupervisorOptions{})
	backend.advance(10 * time.Minute)
	sup.RunOnce(context.Background())

	if jobs, _ := q.GetAllJobs(context.Background(), 10); len(jobs) != 0 {
		t.Fatalf("paused schedule enqueued %d jobs, want 0", len(jobs))
	}
}

func TestSupervisorStartStop(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQueue(t, backend, Handlers{})
	sup := q.CreateSupervisor(SupervisorOptions{Interval: 10 * time.Millisecond})

	sup.Start(context.Background())
	if !sup.IsRunning() {
		t.Fatal("supervisor not running after Start")
	}
	time.Sleep(30 * time.Millisecond)
	sup.Stop()
	if sup.IsRunning() {
		t.Fatal("supervisor still running after Stop")
	}
}
