package config_test

import (
	"log/slog"
	"testing"

	"github.com/nicnocquee/dataqueue-sub002/config"
)

const testSecret = "config-test-secret-that-is-32ch!!"

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/dataqueue")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "local" {
		t.Errorf("Env = %q, want local", cfg.Env)
	}
	if cfg.Backend != "postgres" {
		t.Errorf("Backend = %q, want postgres", cfg.Backend)
	}
	if cfg.BatchSize != 10 || cfg.Concurrency != 3 || cfg.PollIntervalSec != 5 {
		t.Errorf("processor defaults = %d/%d/%d, want 10/3/5",
			cfg.BatchSize, cfg.Concurrency, cfg.PollIntervalSec)
	}
}

func TestLoad_ShortJWTSecretRejected(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("JWT_SECRET", "too-short")

	if _, err := config.Load(); err == nil {
		t.Fatal("Load accepted a short JWT secret")
	}
}

func TestLoad_RedisBackendRequiresAddr(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("BACKEND", "redis")

	if _, err := config.Load(); err == nil {
		t.Fatal("Load accepted BACKEND=redis without REDIS_ADDR")
	}

	t.Setenv("REDIS_ADDR", "localhost:6379")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
}

func TestLoad_PostgresBackendRequiresURL(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	if _, err := config.Load(); err == nil {
		t.Fatal("Load accepted BACKEND=postgres without DATABASE_URL")
	}
}

func TestSlogLevel(t *testing.T) {
	setBaseEnv(t)

	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		t.Setenv("LOG_LEVEL", in)
		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("Load(%s): %v", in, err)
		}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%s) = %v, want %v", in, got, want)
		}
	}
}
