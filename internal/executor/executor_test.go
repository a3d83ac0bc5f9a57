package executor

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/taskmesh/internal/backend"
	"github.com/swarmguard/taskmesh/internal/errs"
	"github.com/swarmguard/taskmesh/internal/mesh"
	"github.com/swarmguard/taskmesh/internal/resilience"
	"github.com/swarmguard/taskmesh/internal/scheduler"
	"github.com/swarmguard/taskmesh/internal/store"
)

// flakyBackend fails its first failsBeforeSuccess calls with a
// recoverable error, then succeeds.
type flakyBackend struct {
	failsBeforeSuccess int32
	calls              int32
}

func (b *flakyBackend) Name() string { return "flaky" }
func (b *flakyBackend) Execute(ctx context.Context, t *mesh.Task) (mesh.ExecutionResult, error) {
	n := atomic.AddInt32(&b.calls, 1)
	if n <= b.failsBeforeSuccess {
		return mesh.ExecutionResult{}, errs.New(errs.Runtime, "flaky", "Execute", nil, nil)
	}
	return mesh.ExecutionResult{Stdout: "ok"}, nil
}
func (b *flakyBackend) Health(ctx context.Context) error                 { return nil }
func (b *flakyBackend) Cancel(ctx context.Context, id mesh.TaskID) error { return nil }
func (b *flakyBackend) Running() int                                     { return 0 }

func newTestPool(maxWorkers int) *Pool {
	reg := backend.NewRegistry()
	reg.Register(backend.NewShellBackend())
	sched := scheduler.New(scheduler.PriorityPolicy, scheduler.HybridConfig{})
	policies := NewPolicyMap(resilience.DefaultConfig())
	return NewPool(maxWorkers, reg, sched, policies, store.NewMemoryStore())
}

func TestLinearChainExecutesInDependencyOrder(t *testing.T) {
	g := mesh.NewGraph()
	a := mesh.NewTask("a", mesh.Definition{Kind: mesh.DefCommand, Command: "echo", Args: []string{"a"}})
	b := mesh.NewTask("b", mesh.Definition{Kind: mesh.DefCommand, Command: "echo", Args: []string{"b"}})
	g.AddTask(a)
	g.AddTask(b)
	if err := g.AddEdge(mesh.DependencyEdge{From: a.ID, To: b.ID, Kind: mesh.EdgeHard}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	pool := newTestPool(2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Run(ctx, g); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := a.Status().Kind; got != mesh.StatusCompleted {
		t.Fatalf("expected a completed, got %s", got)
	}
	if got := b.Status().Kind; got != mesh.StatusCompleted {
		t.Fatalf("expected b completed, got %s", got)
	}
	if !b.Status().StartedAt.After(a.Status().EndedAt.Add(-time.Millisecond)) {
		t.Fatalf("b should not start meaningfully before a ends")
	}
}

func TestParallelFanOutRunsConcurrently(t *testing.T) {
	g := mesh.NewGraph()
	for i := 0; i < 4; i++ {
		g.AddTask(mesh.NewTask("leaf", mesh.Definition{Kind: mesh.DefCommand, Command: "echo", Args: []string{"x"}}))
	}
	pool := newTestPool(4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := pool.Run(ctx, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected fan-out to finish quickly, took %v", time.Since(start))
	}
	for _, task := range g.All() {
		if task.Status().Kind != mesh.StatusCompleted {
			t.Fatalf("expected all leaves completed, got %s", task.Status().Kind)
		}
	}
}

func TestNestedWorkflowSequentialCompletesInOrder(t *testing.T) {
	sub1 := mesh.NewTask("sub-a", mesh.Definition{Kind: mesh.DefCommand, Command: "echo", Args: []string{"1"}})
	sub2 := mesh.NewTask("sub-b", mesh.Definition{Kind: mesh.DefCommand, Command: "echo", Args: []string{"2"}})

	wf := mesh.NewTask("nested", mesh.Definition{
		Kind:             mesh.DefWorkflow,
		WorkflowTasks:    []mesh.Task{*sub1, *sub2},
		WorkflowStrategy: mesh.StrategySequential,
	})

	g := mesh.NewGraph()
	g.AddTask(wf)

	pool := newTestPool(2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Run(ctx, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := wf.Status().Kind; got != mesh.StatusCompleted {
		t.Fatalf("expected workflow task completed, got %s", got)
	}
}

func TestFailedTaskRetriesThenSucceeds(t *testing.T) {
	reg := backend.NewRegistry()
	fb := &flakyBackend{failsBeforeSuccess: 2}
	reg.Register(fb)
	sched := scheduler.New(scheduler.PriorityPolicy, scheduler.HybridConfig{})
	cfg := resilience.DefaultConfig()
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.Multiplier = 1
	cfg.Jitter = 0
	cfg.FailureThreshold = 10
	policies := NewPolicyMap(cfg)
	pool := NewPool(2, reg, sched, policies, store.NewMemoryStore())

	g := mesh.NewGraph()
	task := mesh.NewTask("flaky-task", mesh.Definition{Kind: mesh.DefCommand, Command: "true"})
	task.BackendHint = "flaky"
	task.MaxRetries = 3
	g.AddTask(task)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Run(ctx, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := task.Status().Kind; got != mesh.StatusCompleted {
		t.Fatalf("expected task to eventually complete after retries, got %s", got)
	}
	if calls := atomic.LoadInt32(&fb.calls); calls != 3 {
		t.Fatalf("expected exactly 3 attempts (2 failures + 1 success), got %d", calls)
	}
}

// sleepyBackend blocks for d or until its context is tripped.
type sleepyBackend struct {
	d time.Duration
}

func (b *sleepyBackend) Name() string { return "sleepy" }
func (b *sleepyBackend) Execute(ctx context.Context, t *mesh.Task) (mesh.ExecutionResult, error) {
	select {
	case <-time.After(b.d):
		return mesh.ExecutionResult{Stdout: "done"}, nil
	case <-ctx.Done():
		return mesh.ExecutionResult{}, errs.New(errs.Cancel, "sleepy", "Execute", ctx.Err(), nil)
	}
}
func (b *sleepyBackend) Health(ctx context.Context) error                 { return nil }
func (b *sleepyBackend) Cancel(ctx context.Context, id mesh.TaskID) error { return nil }
func (b *sleepyBackend) Running() int                                     { return 0 }

func newPoolWithBackend(maxWorkers int, b backend.Backend) *Pool {
	reg := backend.NewRegistry()
	reg.Register(b)
	sched := scheduler.New(scheduler.PriorityPolicy, scheduler.HybridConfig{})
	policies := NewPolicyMap(resilience.DefaultConfig())
	return NewPool(maxWorkers, reg, sched, policies, store.NewMemoryStore())
}

func TestCancelRunningTaskReleasesWorkerPromptly(t *testing.T) {
	pool := newPoolWithBackend(1, &sleepyBackend{d: 10 * time.Second})

	g := mesh.NewGraph()
	task := mesh.NewTask("sleeper", mesh.Definition{Kind: mesh.DefCommand})
	task.BackendHint = "sleepy"
	g.AddTask(task)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx, g) }()

	// wait for the task to actually be dispatched before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for task.Status().Kind != mesh.StatusRunning {
		if time.Now().After(deadline) {
			t.Fatal("task never started running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := g.Cancel(task.ID, "user", time.Now()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	pool.CancelTask(task.ID)

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain promptly after cancellation")
	}
	if got := task.Status().Kind; got != mesh.StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", got)
	}
	if pool.Active() != 0 {
		t.Fatalf("expected permit released, Active()=%d", pool.Active())
	}
}

func TestTaskTimeoutIsClassifiedRecoverableNotCancelled(t *testing.T) {
	pool := newPoolWithBackend(1, &sleepyBackend{d: 10 * time.Second})

	g := mesh.NewGraph()
	task := mesh.NewTask("too-slow", mesh.Definition{Kind: mesh.DefCommand})
	task.BackendHint = "sleepy"
	task.Timeout = 50 * time.Millisecond
	task.MaxRetries = 0 // settle on the first timeout
	g.AddTask(task)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Run(ctx, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := task.Status().Kind; got != mesh.StatusFailed {
		t.Fatalf("expected a deadline to fail (not cancel) the task, got %s", got)
	}
	if !strings.Contains(task.Status().Error, "timeout") {
		t.Fatalf("expected a timeout-classified error, got %q", task.Status().Error)
	}
}

func TestBreakerOpenRejectionsExhaustRetryBudget(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(&flakyBackend{failsBeforeSuccess: 1 << 30}) // always fails
	sched := scheduler.New(scheduler.PriorityPolicy, scheduler.HybridConfig{})
	cfg := resilience.DefaultConfig()
	cfg.FailureThreshold = 1 // trip immediately
	cfg.OpenCooldown = time.Hour
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.Multiplier = 1
	cfg.Jitter = 0
	pool := NewPool(1, reg, sched, NewPolicyMap(cfg), store.NewMemoryStore())

	g := mesh.NewGraph()
	task := mesh.NewTask("doomed", mesh.Definition{Kind: mesh.DefCommand})
	task.BackendHint = "flaky"
	task.MaxRetries = 3
	g.AddTask(task)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Run(ctx, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Attempt 1 runs and trips the breaker; every subsequent dispatch is
	// rejected at the breaker, each charged against the budget, so the
	// task must settle as Failed rather than retry forever.
	if got := task.Status().Kind; got != mesh.StatusFailed {
		t.Fatalf("expected Failed once the budget is exhausted, got %s", got)
	}
}

func TestUnknownCommandFailsTaskWithoutCrashingPool(t *testing.T) {
	g := mesh.NewGraph()
	bad := mesh.NewTask("bad", mesh.Definition{Kind: mesh.DefCommand, Command: "not-allowlisted"})
	bad.MaxRetries = 0
	g.AddTask(bad)
	pool := newTestPool(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Run(ctx, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := bad.Status().Kind; got != mesh.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}
