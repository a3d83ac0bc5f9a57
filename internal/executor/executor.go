// Package executor implements the bounded worker pool that dispatches
// ready tasks to backends: a counting semaphore gating concurrency, a
// feeder goroutine draining the mesh's ready queue into the scheduler,
// and a dispatch loop spawning one goroutine per in-flight task.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/backend"
	"github.com/swarmguard/taskmesh/internal/errs"
	"github.com/swarmguard/taskmesh/internal/mesh"
	"github.com/swarmguard/taskmesh/internal/resilience"
	"github.com/swarmguard/taskmesh/internal/scheduler"
	"github.com/swarmguard/taskmesh/internal/store"
)

// persistMaxAttempts bounds how many times a status write is attempted
// before the transition it was meant to record is forced to
// Failed with errs.Persist — a durability failure is fatal to that
// task's transition regardless of what the transition itself was.
const persistMaxAttempts = 3

// Pool is a bounded worker pool: a counting semaphore of size
// MaxWorkers gates how many backend calls run concurrently, keeping
// blocking I/O off the dispatch loop. Each semaphore slot is a named
// worker identity so WorkerInfo can be tracked and reported per slot.
type Pool struct {
	MaxWorkers int
	// DefaultTimeout bounds a backend call for tasks that declare no
	// timeout of their own. Zero falls back to one hour.
	DefaultTimeout time.Duration

	Registry  *backend.Registry
	Scheduler *scheduler.Scheduler
	Policies  *PolicyMap
	Store     store.Store

	sem chan string

	taskDuration     metric.Float64Histogram
	parallelismGauge metric.Int64UpDownCounter

	mu          sync.Mutex
	active      int
	workers     map[string]*mesh.WorkerInfo
	taskCancels map[mesh.TaskID]context.CancelFunc
}

// PolicyMap lazily creates one resilience.Policy per backend name, from
// a shared default Config overridden per-name by breaker.<name>.* config
// keys (failure_threshold, open_timeout_ms).
type PolicyMap struct {
	mu        sync.Mutex
	policies  map[string]*resilience.Policy
	cfg       resilience.Config
	overrides map[string]resilience.Config
}

// NewPolicyMap returns a PolicyMap whose policies all share cfg.
func NewPolicyMap(cfg resilience.Config) *PolicyMap {
	return &PolicyMap{policies: make(map[string]*resilience.Policy), cfg: cfg}
}

// SetOverride fixes backendName's breaker threshold/cooldown, keeping
// the shared retry curve. Must be called before the first For(backendName).
func (m *PolicyMap) SetOverride(backendName string, threshold int, openCooldown time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overrides == nil {
		m.overrides = make(map[string]resilience.Config)
	}
	cfg := m.cfg
	if threshold > 0 {
		cfg.FailureThreshold = threshold
	}
	if openCooldown > 0 {
		cfg.OpenCooldown = openCooldown
	}
	m.overrides[backendName] = cfg
}

// For returns (creating if absent) the Policy for backendName.
func (m *PolicyMap) For(backendName string) *resilience.Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[backendName]
	if !ok {
		cfg := m.cfg
		if override, ok := m.overrides[backendName]; ok {
			cfg = override
		}
		p = resilience.New(backendName, cfg)
		m.policies[backendName] = p
	}
	return p
}

// NewPool builds a Pool with maxWorkers concurrent backend calls,
// durably persisting every status transition, event and execution
// metric through st. st may be nil (tests that don't care about
// durability), in which case persistence is skipped.
func NewPool(maxWorkers int, reg *backend.Registry, sched *scheduler.Scheduler, policies *PolicyMap, st store.Store) *Pool {
	meter := otel.Meter("taskmesh-executor")
	dur, _ := meter.Float64Histogram("taskmesh_task_duration_ms")
	gauge, _ := meter.Int64UpDownCounter("taskmesh_executor_parallelism")
	sem := make(chan string, maxWorkers)
	workers := make(map[string]*mesh.WorkerInfo, maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		sem <- id
		workers[id] = &mesh.WorkerInfo{ID: id, Status: mesh.WorkerIdle}
	}
	return &Pool{
		MaxWorkers:       maxWorkers,
		Registry:         reg,
		Scheduler:        sched,
		Policies:         policies,
		Store:            st,
		sem:              sem,
		workers:          workers,
		taskCancels:      make(map[mesh.TaskID]context.CancelFunc),
		taskDuration:     dur,
		parallelismGauge: gauge,
	}
}

// CancelTask trips the per-task cancellation token of an in-flight
// backend call, if id is currently dispatched. The backend observes the
// token at its own cancellation hooks and returns promptly, releasing
// the worker permit. A no-op for tasks not currently running.
func (p *Pool) CancelTask(id mesh.TaskID) {
	p.mu.Lock()
	cancel, ok := p.taskCancels[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pool) registerCancel(id mesh.TaskID, cancel context.CancelFunc) {
	p.mu.Lock()
	p.taskCancels[id] = cancel
	p.mu.Unlock()
}

func (p *Pool) unregisterCancel(id mesh.TaskID) {
	p.mu.Lock()
	delete(p.taskCancels, id)
	p.mu.Unlock()
}

// Run dispatches every task in g until the graph is quiescent or ctx is
// cancelled. It implements the DAG sub-strategy: readiness comes from
// the graph's own hard-edge promotion, so the dispatch order here
// already reflects dependency structure.
func (p *Pool) Run(ctx context.Context, g *mesh.Graph) error {
	var wg sync.WaitGroup
	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()

	// feeder: moves tasks the graph marks Ready into the scheduler's
	// ranked queue.
	go func() {
		for {
			id, ok := g.WaitReady(feedCtx)
			if !ok {
				return
			}
			t, ok := g.Get(id)
			if !ok {
				continue
			}
			est := p.Scheduler.EstimateForKind(t.Name, t.Definition.Kind)
			need := t.ResourceNeed
			if need <= 0 {
				need = 1
			}
			p.Scheduler.Push(scheduler.ScheduleItem{
				TaskID:       id,
				Priority:     t.Priority,
				Deadline:     t.Deadline,
				EnqueuedAt:   time.Now(),
				Estimate:     est,
				ResourceNeed: need,
			})
		}
	}()

	for !g.Quiescent() || p.Active() > 0 {
		if ctx.Err() != nil {
			break
		}
		p.mu.Lock()
		available := p.MaxWorkers - p.active
		p.mu.Unlock()
		if available <= 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		item, ok := p.Scheduler.PopAvailable(available)
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		t, ok := g.Get(item.TaskID)
		if !ok || t.Status().Kind != mesh.StatusReady {
			continue
		}

		var workerID string
		select {
		case workerID = <-p.sem:
		case <-ctx.Done():
			return ctx.Err()
		}

		wg.Add(1)
		p.mu.Lock()
		p.active++
		p.parallelismGauge.Add(ctx, 1)
		p.mu.Unlock()
		p.leaseWorker(workerID, t.ID)

		go func(t *mesh.Task, workerID string) {
			defer wg.Done()
			success := p.dispatch(ctx, g, t, workerID)
			p.releaseWorker(workerID, success)
			p.mu.Lock()
			p.active--
			p.parallelismGauge.Add(ctx, -1)
			p.mu.Unlock()
			p.sem <- workerID
		}(t, workerID)
	}
	wg.Wait()
	return nil
}

// Active reports the number of backend calls currently in flight.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Workers returns a point-in-time snapshot of every worker slot.
func (p *Pool) Workers() []mesh.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]mesh.WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	return out
}

func (p *Pool) leaseWorker(workerID string, taskID mesh.TaskID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[workerID]
	w.Status = mesh.WorkerBusy
	w.CurrentTask = taskID
	w.LastHeartbeat = time.Now()
}

func (p *Pool) releaseWorker(workerID string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[workerID]
	w.Status = mesh.WorkerIdle
	w.CurrentTask = mesh.TaskID{}
	w.LastHeartbeat = time.Now()
	if success {
		w.Completed++
	} else {
		w.Failed++
	}
}

// dispatch runs t against its recommended backend and reports whether
// it ultimately settled into a non-Failed terminal state.
func (p *Pool) dispatch(ctx context.Context, g *mesh.Graph, t *mesh.Task, workerID string) bool {
	if t.Definition.Kind == mesh.DefWorkflow {
		return p.dispatchWorkflow(ctx, g, t, workerID)
	}

	b, err := p.Registry.Recommend(t)
	if err != nil {
		_ = g.MarkFailed(t.ID, err, time.Now())
		p.persistTransition(ctx, g, t)
		return false
	}
	policy := p.Policies.For(b.Name())

	if !policy.Allow(time.Now()) {
		// A breaker-open rejection is charged against the retry budget
		// even though no worker ever ran the task, so a backend that
		// stays unhealthy exhausts the budget instead of re-arming the
		// task forever.
		attempt := g.IncrementAttempt(t.ID)
		breakerErr := errs.New(errs.External, "executor", "dispatch", nil, map[string]string{"reason": "circuit open", "backend": b.Name()})
		_ = g.MarkFailed(t.ID, breakerErr, time.Now())
		p.persistTransition(ctx, g, t)
		if attempt < t.MaxRetries {
			policy.RecordAttempt(ctx)
			g.ScheduleRetry(t.ID, policy.NextDelay(attempt))
		}
		return false
	}

	if err := g.MarkRunning(t.ID, workerID, time.Now()); err != nil {
		return false
	}
	p.persistTransition(ctx, g, t)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	p.registerCancel(t.ID, cancelRun)
	defer p.unregisterCancel(t.ID)

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = p.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	taskCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	start := time.Now()
	result, execErr := b.Execute(taskCtx, t)
	elapsed := time.Since(start)
	p.taskDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("backend", b.Name()), attribute.String("task", t.Name)))
	p.Scheduler.RecordDuration(t.Name, elapsed)

	if execErr != nil {
		policy.RecordResult(ctx, false, time.Now())
		// Backends report every tripped context as Cancel; tell the
		// deadline apart from a genuine cancellation so it re-enters the
		// retry envelope as a recoverable Timeout.
		if errs.Is(execErr, errs.Cancel) && taskCtx.Err() == context.DeadlineExceeded && runCtx.Err() == nil {
			execErr = errs.New(errs.Timeout, "executor", "dispatch", context.DeadlineExceeded, map[string]string{
				"backend": b.Name(), "timeout": timeout.String(),
			})
		}
		if errs.Is(execErr, errs.Cancel) {
			_ = g.Cancel(t.ID, "timeout_or_context", time.Now())
			p.persistTransition(ctx, g, t)
			return false
		}
		_ = g.MarkFailed(t.ID, execErr, time.Now())
		p.persistTransition(ctx, g, t)
		if attempt := t.Status().Attempt; errs.Recoverable(execErr) && attempt < t.MaxRetries {
			policy.RecordAttempt(ctx)
			g.ScheduleRetry(t.ID, policy.NextDelay(attempt))
		}
		return false
	}
	policy.RecordResult(ctx, true, time.Now())
	_ = g.MarkCompleted(t.ID, time.Now())
	p.persistTransition(ctx, g, t)
	p.persistMetrics(ctx, t, result, elapsed)
	return true
}

// dispatchWorkflow runs a nested workflow task's sub-tasks against a
// fresh child Graph, edge-wired per its WorkflowStrategy, and settles
// the parent task once every sub-task has reached a terminal state.
// Sequential forces a linear chain regardless of declared edges,
// Parallel drops edges entirely (every sub-task starts at once), and
// DAG dispatches the sub-tasks' own declared edges unchanged.
func (p *Pool) dispatchWorkflow(ctx context.Context, g *mesh.Graph, t *mesh.Task, workerID string) bool {
	if err := g.MarkRunning(t.ID, workerID, time.Now()); err != nil {
		return false
	}
	p.persistTransition(ctx, g, t)

	child := mesh.NewGraph()
	for i := range t.Definition.WorkflowTasks {
		child.AddTask(&t.Definition.WorkflowTasks[i])
	}
	switch t.Definition.WorkflowStrategy {
	case mesh.StrategySequential:
		for i := 1; i < len(t.Definition.WorkflowTasks); i++ {
			_ = child.AddEdge(mesh.DependencyEdge{
				From: t.Definition.WorkflowTasks[i-1].ID,
				To:   t.Definition.WorkflowTasks[i].ID,
				Kind: mesh.EdgeHard,
			})
		}
	case mesh.StrategyParallel:
		// no edges: every sub-task is independently Ready.
	case mesh.StrategyDAG:
		for _, e := range t.Definition.WorkflowEdges {
			_ = child.AddEdge(e)
		}
	}

	// A nested workflow gets its own worker pool (same backends,
	// scheduler, breaker policies and store, fresh semaphore) so it can
	// never deadlock waiting on the outer pool's slot its own dispatch
	// goroutine is occupying.
	childPool := NewPool(p.MaxWorkers, p.Registry, p.Scheduler, p.Policies, p.Store)
	childPool.DefaultTimeout = p.DefaultTimeout

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	p.registerCancel(t.ID, cancelRun)
	defer p.unregisterCancel(t.ID)

	start := time.Now()
	err := childPool.Run(runCtx, child)
	elapsed := time.Since(start)
	p.taskDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("backend", "workflow"), attribute.String("task", t.Name)))
	p.Scheduler.RecordDuration(t.Name, elapsed)

	if err != nil {
		_ = g.MarkFailed(t.ID, err, time.Now())
		p.persistTransition(ctx, g, t)
		return false
	}
	for _, sub := range child.All() {
		if sub.Status().Kind == mesh.StatusFailed {
			_ = g.MarkFailed(t.ID, errs.New(errs.Runtime, "executor", "dispatchWorkflow", nil, map[string]string{"reason": "sub-task failed", "sub_task": sub.Name}), time.Now())
			p.persistTransition(ctx, g, t)
			return false
		}
	}
	_ = g.MarkCompleted(t.ID, time.Now())
	p.persistTransition(ctx, g, t)
	return true
}

// persistTransition durably records t's current status and the event
// the transition just appended, attempting the status write up to
// persistMaxAttempts times with a linear backoff between attempts. If
// every attempt fails, t is forced to
// Failed with an errs.Persist cause — a durability failure is fatal to
// that transition regardless of what the transition itself was. This
// is a best-effort, non-recursive fallback: it does not re-attempt
// persisting the resulting failure.
func (p *Pool) persistTransition(ctx context.Context, g *mesh.Graph, t *mesh.Task) {
	if p.Store == nil {
		return
	}
	st := t.Status()
	rec := store.StatusRecordFromMesh(t.ID.String(), st, time.Now())

	var err error
	for attempt := 0; attempt < persistMaxAttempts; attempt++ {
		if err = p.Store.PutStatus(ctx, rec); err == nil {
			p.persistLatestEvent(ctx, g)
			return
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	persistErr := errs.New(errs.Persist, "executor", "persistTransition", err, map[string]string{
		"task_id": t.ID.String(), "attempted_kind": string(st.Kind),
	})
	_ = g.MarkFailed(t.ID, persistErr, time.Now())
}

// persistLatestEvent appends the mesh's most recently recorded event to
// the durable event log. Best effort: a failure here does not itself
// trigger the Failed{persist} path, since the status row (the
// authoritative record of the transition) was already durably written.
func (p *Pool) persistLatestEvent(ctx context.Context, g *mesh.Graph) {
	ev, ok := g.Events().Latest()
	if !ok {
		return
	}
	_ = p.Store.AppendEvent(ctx, store.EventRecord{
		Index: ev.Index, TaskID: ev.TaskID.String(), Type: string(ev.Type),
		Timestamp: ev.Timestamp, Data: ev.Data,
	})
}

// persistMetrics records the resource-usage figures result.Metrics
// carried back from the backend, alongside the measured wall-clock
// elapsed time. Best effort, like persistLatestEvent: metrics are an
// observability surface, not the authoritative status transition.
func (p *Pool) persistMetrics(ctx context.Context, t *mesh.Task, result mesh.ExecutionResult, elapsed time.Duration) {
	if p.Store == nil {
		return
	}
	m := result.Metrics
	_ = p.Store.PutMetrics(ctx, store.MetricsRecord{
		TaskID:          t.ID.String(),
		ExecutionTimeMS: elapsed.Milliseconds(),
		CPUUsage:        m.CPUPercent,
		MemoryUsage:     m.MemoryPeakMB,
		NetRead:         m.NetInBytes,
		NetWrite:        m.NetOutBytes,
		DiskRead:        m.DiskReadBytes,
		DiskWrite:       m.DiskWriteBytes,
		RecordedAt:      time.Now(),
	})
}
