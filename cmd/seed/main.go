// seed inserts demo jobs and a cron schedule into the local dev database.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/infrastructure/postgres"
	"github.com/nicnocquee/dataqueue-sub002/internal/queue"
)

type seedJob struct {
	key      string
	jobType  string
	payload  any
	priority int
	tags     []string
}

var jobs = []seedJob{
	// Plain emails at mixed priorities
	{"seed-001", "send_email", map[string]string{"to": "a@test.local", "subject": "hi", "body": "one"}, 0, []string{"email"}},
	{"seed-002", "send_email", map[string]string{"to": "b@test.local", "subject": "hi", "body": "two"}, 5, []string{"email", "vip"}},
	{"seed-003", "send_email", map[string]string{"to": "c@test.local", "subject": "hi", "body": "three"}, 0, []string{"email"}},

	// Multi-step report: suspends itself for 5 minutes mid-run
	{"seed-004", "generate_report", map[string]string{"dataset": "signups"}, 3, []string{"report"}},
	{"seed-005", "generate_report", map[string]string{"dataset": "churn"}, 0, []string{"report"}},

	// No handler registered: stays pending with a stamped reason
	{"seed-006", "transcode_video", map[string]string{"source": "intro.mp4"}, 0, nil},
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{DatabaseURL: dbURL})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	store := postgres.NewStore(pool, logger)
	defer store.Close()

	q := queue.New(store, nil, logger)

	runAt := time.Now().Add(time.Minute)

	// Idempotency keys make re-runs safe: existing jobs are returned, not
	// duplicated.
	var inserted int
	var jobIDs []int64
	for _, sj := range jobs {
		job, err := q.AddJob(ctx, queue.JobOptions{
			JobType:        sj.jobType,
			Payload:        sj.payload,
			Priority:       sj.priority,
			RunAt:          &runAt,
			Tags:           sj.tags,
			IdempotencyKey: sj.key,
		})
		if err != nil {
			log.Fatalf("add job %s: %v", sj.key, err)
		}
		jobIDs = append(jobIDs, job.ID)
		inserted++
	}

	if _, err := q.GetCronJobByName(ctx, "nightly-digest"); err != nil {
		_, err = q.AddCronJob(ctx, queue.CronScheduleOptions{
			ScheduleName:   "nightly-digest",
			CronExpression: "0 3 * * *",
			Timezone:       "UTC",
			JobType:        "generate_report",
			Payload:        map[string]string{"dataset": "daily"},
			Tags:           []string{"report", "cron"},
		})
		if err != nil {
			log.Fatalf("add cron schedule: %v", err)
		}
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Jobs upserted: %d\n", inserted)
	fmt.Printf("  Run at:        %s  (~1 minute from now)\n", runAt.Format(time.RFC3339))
	fmt.Println("  Schedule:      nightly-digest (0 3 * * * UTC)")
	fmt.Println()
	fmt.Println("  Sample job IDs:")
	limit := 5
	if len(jobIDs) < limit {
		limit = len(jobIDs)
	}
	for _, id := range jobIDs[:limit] {
		fmt.Printf("    %d\n", id)
	}
	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Println("  Step 1: start the worker and the API server:")
	fmt.Println()
	fmt.Println("    go run ./cmd/worker")
	fmt.Println("    go run ./cmd/server")
	fmt.Println()
	fmt.Println("  Step 2: query a job (mint a JWT with your JWT_SECRET first):")
	fmt.Println()
	fmt.Println("    export JWT=eyJ...")
	fmt.Println("    curl -s http://localhost:8080/api/v1/jobs/JOB_ID -H \"Authorization: Bearer $JWT\"")
	fmt.Println()
	fmt.Println("  What to expect:")
	fmt.Println("    seed-001..003  →  complete (emails logged in local dev)")
	fmt.Println("    seed-004..005  →  waiting for ~5 minutes mid-report, then complete")
	fmt.Println("    seed-006       →  pending with a no-handler reason stamped")
}
