package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/taskmesh/internal/config"
	"github.com/swarmguard/taskmesh/internal/mesh"
	"github.com/swarmguard/taskmesh/internal/store"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	cfg := config.Config{}
	cfg.MaxWorkers = 2
	cfg.SchedulerPolicy = "priority"
	f := New(cfg, store.NewMemoryStore(), nil)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return f
}

func TestFacadeLifecycleTransitions(t *testing.T) {
	f := newTestFacade(t)
	if f.State() != StateRunning {
		t.Fatalf("expected Running after Start, got %s", f.State())
	}
	f.Pause()
	if f.State() != StatePaused {
		t.Fatalf("expected Paused, got %s", f.State())
	}
	f.Resume()
	if f.State() != StateRunning {
		t.Fatalf("expected Running after Resume, got %s", f.State())
	}
	if err := f.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", f.State())
	}
}

func TestFacadeSubmitRejectedBeforeStart(t *testing.T) {
	cfg := config.Config{}
	cfg.MaxWorkers = 1
	f := New(cfg, store.NewMemoryStore(), nil)
	task := mesh.NewTask("unstarted", mesh.Definition{Kind: mesh.DefCommand, Command: "true"})
	if err := f.Submit(context.Background(), task, nil); err == nil {
		t.Fatal("expected Submit to fail before Start")
	}
}

func TestFacadeSubmitAndRunToQuiescence(t *testing.T) {
	f := newTestFacade(t)
	task := mesh.NewTask("echo-ok", mesh.Definition{Kind: mesh.DefCommand, Command: "true"})
	task.BackendHint = "shell"
	if err := f.Submit(context.Background(), task, []byte(`{}`)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status, ok := f.Status(task.ID)
	if !ok {
		t.Fatal("expected task status to be queryable")
	}
	if status.Kind != mesh.StatusCompleted && status.Kind != mesh.StatusFailed {
		t.Fatalf("expected task to settle, got %s", status.Kind)
	}
}

func TestFacadeCancelAllCountsNonTerminal(t *testing.T) {
	f := newTestFacade(t)
	task := mesh.NewTask("long-running", mesh.Definition{Kind: mesh.DefCommand, Command: "sleep"})
	if err := f.Submit(context.Background(), task, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancelled := f.CancelAll("test-shutdown")
	if cancelled != 1 {
		t.Fatalf("expected 1 cancelled task, got %d", cancelled)
	}
	status, _ := f.Status(task.ID)
	if status.Kind != mesh.StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", status.Kind)
	}
}
