package config

import (
	"os"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != 8 {
		t.Fatalf("expected default max_workers=8, got %d", cfg.MaxWorkers)
	}
	if cfg.SchedulerPolicy != "hybrid" {
		t.Fatalf("expected default policy hybrid, got %s", cfg.SchedulerPolicy)
	}
	if cfg.Snapshot.IntervalSeconds != 900 {
		t.Fatalf("expected default snapshot.interval_seconds=900, got %d", cfg.Snapshot.IntervalSeconds)
	}
	if !cfg.Snapshot.CompressionEnabled {
		t.Fatal("expected snapshot compression enabled by default")
	}
	if cfg.Checkpoint.TasksPerCheckpoint != 6 {
		t.Fatalf("expected default checkpoint.tasks_per_checkpoint=6, got %d", cfg.Checkpoint.TasksPerCheckpoint)
	}
	if cfg.Backend.DefaultTimeoutMS != 3600_000 {
		t.Fatalf("expected default backend timeout 3600000ms, got %d", cfg.Backend.DefaultTimeoutMS)
	}
}

func TestLoadAppliesRetentionAndRetryDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Snapshot.MaxSnapshots != 10 {
		t.Fatalf("expected default snapshot.max_snapshots=10, got %d", cfg.Snapshot.MaxSnapshots)
	}
	if cfg.Checkpoint.RetentionDays != 30 || !cfg.Checkpoint.AutoCleanup {
		t.Fatalf("expected default checkpoint retention 30d/auto_cleanup=true, got %+v", cfg.Checkpoint)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelayMS != 1000 || cfg.Retry.Multiplier != 2.0 || cfg.Retry.Jitter != 0.2 {
		t.Fatalf("unexpected default retry config: %+v", cfg.Retry)
	}
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	os.Setenv("TASKMESH_MAX_WORKERS", "32")
	os.Setenv("TASKMESH_STORE_URL", "nats://localhost:4222")
	defer os.Unsetenv("TASKMESH_MAX_WORKERS")
	defer os.Unsetenv("TASKMESH_STORE_URL")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != 32 {
		t.Fatalf("expected env override max_workers=32, got %d", cfg.MaxWorkers)
	}
	if cfg.Store.URL != "nats://localhost:4222" {
		t.Fatalf("expected env override store.url, got %q", cfg.Store.URL)
	}
}
