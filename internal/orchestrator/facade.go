// Package orchestrator wires the mesh, scheduler, executor, backend
// registry, resilience policies and durability layer behind a single
// facade, tracking its own coarse lifecycle state and per-submission
// cancellation the way a long-running service needs to.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/backend"
	"github.com/swarmguard/taskmesh/internal/config"
	"github.com/swarmguard/taskmesh/internal/executor"
	"github.com/swarmguard/taskmesh/internal/mesh"
	"github.com/swarmguard/taskmesh/internal/resilience"
	"github.com/swarmguard/taskmesh/internal/scheduler"
	"github.com/swarmguard/taskmesh/internal/snapshot"
	"github.com/swarmguard/taskmesh/internal/store"
)

// LifecycleState is the facade's coarse operating state.
type LifecycleState string

const (
	StateInitializing LifecycleState = "initializing"
	StateRunning      LifecycleState = "running"
	StatePaused       LifecycleState = "paused"
	StateStopping     LifecycleState = "stopping"
	StateStopped      LifecycleState = "stopped"
	StateError        LifecycleState = "error"
)

// Stats is the facade's point-in-time health snapshot.
type Stats struct {
	State         LifecycleState
	TaskCount     int
	ActiveWorkers int
	StoreStats    store.Stats
}

// Facade is the single entry point embedding or cmd binaries drive:
// submit tasks and edges, run them to quiescence, query status, cancel,
// and trigger/restore snapshots.
type Facade struct {
	mu    sync.RWMutex
	state LifecycleState

	Graph     *mesh.Graph
	Store     store.Store
	Registry  *backend.Registry
	Scheduler *scheduler.Scheduler
	Pool      *executor.Pool
	Snapshots *snapshot.Engine

	runCounter metric.Int64Counter
	errCounter metric.Int64Counter
}

// New builds a Facade from cfg and its already-constructed components.
// Callers assemble Store/ObjectStore/CheckpointStore themselves (their
// construction is side-effecting: opening files, dialing endpoints) and
// hand the wired Engine in here.
func New(cfg config.Config, st store.Store, snapEngine *snapshot.Engine) *Facade {
	g := mesh.NewGraph()
	reg := backend.NewRegistry()
	shell := backend.NewShellBackend()
	shell.WorkingDir = cfg.Backend.WorkingDir
	script := backend.NewScriptBackend("/bin/sh")
	script.WorkingDir = cfg.Backend.WorkingDir
	reg.Register(shell)
	reg.Register(backend.NewHTTPBackend())
	reg.Register(script)

	sched := scheduler.New(policyFromName(cfg.SchedulerPolicy), scheduler.DefaultHybridConfig())

	resCfg := resilience.DefaultConfig()
	if cfg.Retry.MaxAttempts > 0 {
		resCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelayMS > 0 {
		resCfg.BaseDelay = time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond
	}
	if cfg.Retry.Multiplier > 0 {
		resCfg.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Retry.Jitter > 0 {
		resCfg.Jitter = cfg.Retry.Jitter
	}
	policies := executor.NewPolicyMap(resCfg)
	for name, b := range cfg.Breakers {
		policies.SetOverride(name, b.FailureThreshold, time.Duration(b.OpenTimeoutMS)*time.Millisecond)
	}
	pool := executor.NewPool(cfg.MaxWorkers, reg, sched, policies, st)
	pool.DefaultTimeout = time.Duration(cfg.Backend.DefaultTimeoutMS) * time.Millisecond

	meter := otel.Meter("taskmesh-orchestrator")
	runCounter, _ := meter.Int64Counter("taskmesh_submissions_total")
	errCounter, _ := meter.Int64Counter("taskmesh_submission_errors_total")

	return &Facade{
		state:      StateInitializing,
		Graph:      g,
		Store:      st,
		Registry:   reg,
		Scheduler:  sched,
		Pool:       pool,
		Snapshots:  snapEngine,
		runCounter: runCounter,
		errCounter: errCounter,
	}
}

func policyFromName(name string) scheduler.Policy {
	switch scheduler.Policy(name) {
	case scheduler.FIFO, scheduler.LIFO, scheduler.PriorityPolicy, scheduler.ShortestJobFirst,
		scheduler.EarliestDeadlineFirst, scheduler.CriticalRatio, scheduler.Genetic, scheduler.Hybrid:
		return scheduler.Policy(name)
	default:
		return scheduler.Hybrid
	}
}

// State returns the facade's current lifecycle state.
func (f *Facade) State() LifecycleState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *Facade) setState(s LifecycleState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Start restores the mesh from the latest snapshot/checkpoint (if any)
// and transitions to Running. It must be called once before Submit.
func (f *Facade) Start(ctx context.Context) error {
	f.setState(StateInitializing)
	if f.Snapshots != nil {
		if err := f.Snapshots.RestoreLatest(ctx, f.Graph); err != nil {
			f.setState(StateError)
			return fmt.Errorf("taskmesh: restore latest state: %w", err)
		}
	}
	f.setState(StateRunning)
	return nil
}

// Submit adds a task to the mesh and persists its definition.
func (f *Facade) Submit(ctx context.Context, t *mesh.Task, definitionJSON []byte) error {
	if f.State() != StateRunning {
		return errors.New("taskmesh: facade is not running")
	}
	f.Graph.AddTask(t)
	if f.Store != nil {
		if err := f.Store.PutTask(ctx, store.TaskRecordFromMesh(t, definitionJSON, nil)); err != nil {
			f.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "submit")))
			return fmt.Errorf("taskmesh: persist task %s: %w", t.ID, err)
		}
	}
	f.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "submit")))
	return nil
}

// Link adds a dependency edge between two already-submitted tasks, and
// re-persists the dependent task's durable record with its
// freshly-recomputed dependency list.
func (f *Facade) Link(ctx context.Context, e mesh.DependencyEdge) error {
	if err := f.Graph.AddEdge(e); err != nil {
		return err
	}
	if f.Store == nil {
		return nil
	}
	t, ok := f.Graph.Get(e.To)
	if !ok {
		return nil
	}
	rec, ok, err := f.Store.GetTask(ctx, t.ID.String())
	if err != nil || !ok {
		return err
	}
	deps := f.Graph.Dependencies(e.To)
	depIDs := make([]string, len(deps))
	for i, d := range deps {
		depIDs[i] = d.String()
	}
	rec.Dependencies = depIDs
	return f.Store.PutTask(ctx, rec)
}

// Run dispatches every currently eligible task until the mesh is
// quiescent or ctx is cancelled, wiring a checkpoint tick on every task
// completion when a snapshot engine is configured.
func (f *Facade) Run(ctx context.Context) error {
	if f.Snapshots == nil {
		return f.Pool.Run(ctx, f.Graph)
	}

	seen := make(map[mesh.TaskID]bool)
	sweep := func() {
		for _, t := range f.Graph.All() {
			if t.Status().Kind == mesh.StatusCompleted && !seen[t.ID] {
				seen[t.ID] = true
				_ = f.Snapshots.OnTaskCompleted(ctx, f.Graph, t.ID)
			}
		}
	}

	stop := make(chan struct{})
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()

	err := f.Pool.Run(ctx, f.Graph)
	close(stop)
	<-tickDone
	// Completions that landed between the last tick and the pool
	// draining still count toward the checkpoint cadence.
	sweep()
	return err
}

// Cancel cancels a single task: its mesh status flips to Cancelled and,
// if a backend call is in flight, the per-task cancel token is tripped
// so the worker's permit is released promptly.
func (f *Facade) Cancel(id mesh.TaskID, reason string) error {
	if err := f.Graph.Cancel(id, reason, time.Now()); err != nil {
		return err
	}
	f.Pool.CancelTask(id)
	return nil
}

// CancelAll cancels every non-terminal task, mirroring a shutdown-time
// bulk cancellation.
func (f *Facade) CancelAll(reason string) int {
	cancelled := 0
	for _, t := range f.Graph.All() {
		if !t.Status().Kind.IsTerminal() {
			if err := f.Graph.Cancel(t.ID, reason, time.Now()); err == nil {
				f.Pool.CancelTask(t.ID)
				cancelled++
			}
		}
	}
	return cancelled
}

// Status returns a single task's current state.
func (f *Facade) Status(id mesh.TaskID) (mesh.Status, bool) {
	t, ok := f.Graph.Get(id)
	if !ok {
		return mesh.Status{}, false
	}
	return t.Status(), true
}

// List returns every task currently in the mesh.
func (f *Facade) List() []*mesh.Task {
	return f.Graph.All()
}

// Stats summarizes the facade's current health.
func (f *Facade) Stats(ctx context.Context) Stats {
	s := Stats{
		State:         f.State(),
		TaskCount:     len(f.Graph.All()),
		ActiveWorkers: f.Pool.Active(),
	}
	if f.Store != nil {
		if st, err := f.Store.Stats(ctx); err == nil {
			s.StoreStats = st
		}
	}
	return s
}

// SnapshotNow forces an immediate full snapshot.
func (f *Facade) SnapshotNow(ctx context.Context) (store.SnapshotMetadata, error) {
	if f.Snapshots == nil {
		return store.SnapshotMetadata{}, errors.New("taskmesh: no snapshot engine configured")
	}
	return f.Snapshots.SnapshotNow(ctx, f.Graph)
}

// RestoreLatest re-runs boot restore against the current mesh: latest
// snapshot first, then any newer checkpoint. Idempotent.
func (f *Facade) RestoreLatest(ctx context.Context) error {
	if f.Snapshots == nil {
		return errors.New("taskmesh: no snapshot engine configured")
	}
	return f.Snapshots.RestoreLatest(ctx, f.Graph)
}

// Pause transitions the facade to Paused; Run's dispatch loop is
// expected to observe this via the caller's own context cancellation,
// since the executor has no internal pause hook.
func (f *Facade) Pause() { f.setState(StatePaused) }

// Resume transitions back to Running from Paused.
func (f *Facade) Resume() { f.setState(StateRunning) }

// Stop transitions to Stopping, cancels every in-flight task, flushes a
// final checkpoint and snapshot if configured, and settles on Stopped.
func (f *Facade) Stop(ctx context.Context) error {
	f.setState(StateStopping)
	f.CancelAll("shutdown")
	if f.Snapshots != nil {
		if err := f.Snapshots.CheckpointNow(ctx, f.Graph); err != nil {
			f.setState(StateError)
			return fmt.Errorf("taskmesh: final checkpoint: %w", err)
		}
		if _, err := f.Snapshots.SnapshotNow(ctx, f.Graph); err != nil {
			f.setState(StateError)
			return fmt.Errorf("taskmesh: final snapshot: %w", err)
		}
	}
	if f.Store != nil {
		_ = f.Store.Close()
	}
	f.setState(StateStopped)
	return nil
}
