package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicnocquee/dataqueue-sub002/config"
	"github.com/nicnocquee/dataqueue-sub002/internal/health"
	"github.com/nicnocquee/dataqueue-sub002/internal/infrastructure/postgres"
	redisstore "github.com/nicnocquee/dataqueue-sub002/internal/infrastructure/redis"
	ctxlog "github.com/nicnocquee/dataqueue-sub002/internal/log"
	"github.com/nicnocquee/dataqueue-sub002/internal/metrics"
	"github.com/nicnocquee/dataqueue-sub002/internal/queue"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
	httptransport "github.com/nicnocquee/dataqueue-sub002/internal/transport/http"
	"github.com/nicnocquee/dataqueue-sub002/internal/transport/http/handler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := ctxlog.New(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		stop()
		log.Fatalf("backend: %v", err)
	}
	defer backend.Close()

	q := queue.New(backend, nil, logger)

	jobHandler := handler.NewJobHandler(q, logger)
	cronHandler := handler.NewCronHandler(q, logger)
	tokenHandler := handler.NewTokenHandler(q, logger)

	metrics.Register()
	checker := health.NewChecker(backend, cfg.Backend, logger, prometheus.DefaultRegisterer)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, jobHandler, cronHandler, tokenHandler, []byte(cfg.JWTSecret)),
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("server started", "port", cfg.Port, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
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
