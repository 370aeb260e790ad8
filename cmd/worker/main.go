package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicnocquee/dataqueue-sub002/config"
	"github.com/nicnocquee/dataqueue-sub002/internal/email"
	"github.com/nicnocquee/dataqueue-sub002/internal/health"
	"github.com/nicnocquee/dataqueue-sub002/internal/infrastructure/postgres"
	redisstore "github.com/nicnocquee/dataqueue-sub002/internal/infrastructure/redis"
	ctxlog "github.com/nicnocquee/dataqueue-sub002/internal/log"
	"github.com/nicnocquee/dataqueue-sub002/internal/metrics"
	"github.com/nicnocquee/dataqueue-sub002/internal/queue"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

// isolatedHandlers run in a re-executed child process so a timeout can
// hard-kill them. Top-level functions only.
var isolatedHandlers = queue.IsolatedHandlers{
	"resize_image": resizeImage,
}

func main() {
	// Must come first: when this process is the re-executed child it runs
	// the isolated handler and exits here.
	queue.MaybeRunIsolated(isolatedHandlers)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := ctxlog.New(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		stop()
		log.Fatalf("backend: %v", err)
	}
	defer backend.Close()

	logger.Info("backend connected", "backend", cfg.Backend)

	sender := email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)

	q := queue.New(backend, queue.Handlers{
		"send_email":      sendEmailHandler(sender),
		"generate_report": generateReport,
		"resize_image":    resizeImageInline,
	}, logger)
	defer q.Close()

	metrics.Register()
	checker := health.NewChecker(backend, cfg.Backend, logger, prometheus.DefaultRegisterer)

	processor, err := q.CreateProcessor(queue.ProcessorOptions{
		WorkerID:         cfg.WorkerID,
		BatchSize:        cfg.BatchSize,
		Concurrency:      cfg.Concurrency,
		PollInterval:     time.Duration(cfg.PollIntervalSec) * time.Second,
		DefaultTimeoutMs: cfg.JobTimeoutMs,
		Isolated:         isolatedHandlers,
		OnError: func(err error) {
			logger.Error("processor", "error", err)
		},
	})
	if err != nil {
		stop()
		log.Fatalf("processor: %v", err)
	}
	processor.StartInBackground(ctx)

	supervisor := q.CreateSupervisor(queue.SupervisorOptions{
		Interval:              time.Duration(cfg.SupervisorIntervalSec) * time.Second,
		StuckJobsTimeout:      time.Duration(cfg.StuckJobsTimeoutSec) * time.Second,
		CleanupJobsDaysToKeep: cfg.CleanupJobsDays,
		CleanupEventsDays:     cfg.CleanupEventsDays,
		OnError: func(err error) {
			logger.Error("supervisor", "error", err)
		},
	})
	supervisor.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	logger.Info("worker started", "worker_id", processor.WorkerID())

	<-ctx.Done()
	stop()
	logger.Info("draining...")

	supervisor.Stop()
	if err := processor.StopAndDrain(time.Duration(cfg.DrainTimeoutSec) * time.Second); err != nil {
		logger.Warn("drain", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("worker shut down")
}

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func sendEmailHandler(sender email.Sender) queue.Handler {
	return func(ctx context.Context, payload json.RawMessage, job *queue.JobContext) error {
		var p emailPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode email payload: %w", err)
		}
		return sender.Send(ctx, p.To, p.Subject, p.Body)
	}
}

type reportPayload struct {
	Dataset string `json:"dataset"`
}

// generateReport is the multi-step showcase: each step runs once across
// attempts, the wait suspends the job without holding a worker slot.
func generateReport(ctx context.Context, payload json.RawMessage, job *queue.JobContext) error {
	var p reportPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode report payload: %w", err)
	}

	var rowCount int
	err := job.RunStepInto(ctx, "collect", &rowCount, func(ctx context.Context) (any, error) {
		job.Log("collecting rows", "dataset", p.Dataset)
		return 1000, nil
	})
	if err != nil {
		return err
	}
	if err := job.SetProgress(ctx, 30); err != nil {
		return err
	}

	// Let late-arriving rows settle before aggregating.
	if err := job.WaitFor(ctx, 5*time.Minute); err != nil {
		return err
	}

	var reportURL string
	err = job.RunStepInto(ctx, "aggregate", &reportURL, func(ctx context.Context) (any, error) {
		return fmt.Sprintf("https://reports.example.com/%s/%d", p.Dataset, rowCount), nil
	})
	if err != nil {
		return err
	}
	if err := job.SetProgress(ctx, 100); err != nil {
		return err
	}
	return job.SetOutput(ctx, map[string]string{"url": reportURL})
}

type resizePayload struct {
	Source string `json:"source"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// resizeImage is the isolated variant, executed in a child process when
// the job has force_kill_on_timeout set.
func resizeImage(ctx context.Context, payload json.RawMessage) (any, error) {
	var p resizePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode resize payload: %w", err)
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]string{
		"result": fmt.Sprintf("%s@%dx%d", p.Source, p.Width, p.Height),
	}, nil
}

// resizeImageInline covers resize jobs enqueued without the force-kill
// flag; they run in-process like any other handler.
func resizeImageInline(ctx context.Context, payload json.RawMessage, job *queue.JobContext) error {
	out, err := resizeImage(ctx, payload)
	if err != nil {
		return err
	}
	return job.SetOutput(ctx, out)
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Backend, error) {
	if cfg.Backend == "redis" {
		return redisstore.NewStore(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger), nil
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		Schema:      cfg.DatabaseSchema,
		TLS: postgres.TLSMaterial{
			CACertPEM:  cfg.DatabaseCACert,
			CACertFile: cfg.DatabaseCACertFile,
		},
	})
	if err != nil {
		return nil, err
	}
	return postgres.NewStore(pool, logger), nil
}
