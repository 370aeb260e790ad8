package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port     string `env:"PORT" envDefault:"8080" validate:"required"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	// Backend selects the storage implementation.
	Backend string `env:"BACKEND" envDefault:"postgres" validate:"oneof=postgres redis"`

	DatabaseURL    string `env:"DATABASE_URL" validate:"required_if=Backend postgres"`
	DatabaseSchema string `env:"DATABASE_SCHEMA"`
	// PEM bundle (or a path to one) for verify-full connections to managed
	// Postgres providers.
	DatabaseCACert     string `env:"DATABASE_CA_CERT"`
	DatabaseCACertFile string `env:"DATABASE_CA_CERT_FILE"`

	RedisAddr     string `env:"REDIS_ADDR" validate:"required_if=Backend redis"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	WorkerID         string `env:"WORKER_ID"`
	BatchSize        int    `env:"BATCH_SIZE" envDefault:"10" validate:"min=1,max=1000"`
	Concurrency      int    `env:"CONCURRENCY" envDefault:"3" validate:"min=1,max=100"`
	PollIntervalSec  int    `env:"POLL_INTERVAL_SEC" envDefault:"5" validate:"min=1,max=300"`
	JobTimeoutMs     int    `env:"JOB_TIMEOUT_MS" envDefault:"0" validate:"min=0"`
	DrainTimeoutSec  int    `env:"DRAIN_TIMEOUT_SEC" envDefault:"30" validate:"min=1,max=600"`

	SupervisorIntervalSec int `env:"SUPERVISOR_INTERVAL_SEC" envDefault:"60" validate:"min=1,max=3600"`
	StuckJobsTimeoutSec   int `env:"STUCK_JOBS_TIMEOUT_SEC" envDefault:"600" validate:"min=10"`
	CleanupJobsDays       int `env:"CLEANUP_JOBS_DAYS" envDefault:"30" validate:"min=1"`
	CleanupEventsDays     int `env:"CLEANUP_EVENTS_DAYS" envDefault:"30" validate:"min=1"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	JWTSecret    string `env:"JWT_SECRET,required" validate:"required,min=32"`
	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM" validate:"required_if=Env production,required_if=Env staging"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
