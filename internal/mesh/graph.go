package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/taskmesh/internal/errs"
)

// Graph is the task mesh: tasks plus their dependency edges, guarded by a
// single RWMutex (readers concurrent, writer exclusive).
type Graph struct {
	mu sync.RWMutex

	tasks map[TaskID]*Task
	// out[from] = edges leaving from
	out map[TaskID][]DependencyEdge
	// in[to] = edges arriving at to
	in map[TaskID][]DependencyEdge

	events *EventLog

	readyQueue     []TaskID
	cond           *sync.Cond
	pendingRetries int
}

// NewGraph returns an empty mesh.
func NewGraph() *Graph {
	g := &Graph{
		tasks:  make(map[TaskID]*Task),
		out:    make(map[TaskID][]DependencyEdge),
		in:     make(map[TaskID][]DependencyEdge),
		events: NewEventLog(),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Events returns the graph's append-only event log.
func (g *Graph) Events() *EventLog { return g.events }

// AddTask inserts t as Pending, promoting it to Ready immediately if it
// has no unresolved hard dependencies.
func (g *Graph) AddTask(t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks[t.ID] = t
	g.promoteLocked(t.ID)
	g.events.Append(EventTaskSubmitted, t.ID, nil)
}

// AddEdge inserts a dependency edge. It is rejected with a Validation
// error if it would create a cycle among Hard edges.
func (g *Graph) AddEdge(e DependencyEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[e.From]; !ok {
		return errs.New(errs.Validation, "mesh", "AddEdge", nil, map[string]string{"reason": "unknown from task"})
	}
	if _, ok := g.tasks[e.To]; !ok {
		return errs.New(errs.Validation, "mesh", "AddEdge", nil, map[string]string{"reason": "unknown to task"})
	}

	g.out[e.From] = append(g.out[e.From], e)
	g.in[e.To] = append(g.in[e.To], e)

	if e.Kind == EdgeHard {
		if g.hasCycleLocked() {
			// roll back
			g.out[e.From] = g.out[e.From][:len(g.out[e.From])-1]
			g.in[e.To] = g.in[e.To][:len(g.in[e.To])-1]
			return errs.New(errs.Validation, "mesh", "AddEdge", nil, map[string]string{"reason": "would create a cycle"})
		}
		// AddTask promotes edge-less tasks immediately; a Hard edge
		// arriving afterwards takes that readiness back until the new
		// predecessor completes.
		to := g.tasks[e.To]
		if src := g.tasks[e.From]; to.status.Kind == StatusReady && src.status.Kind != StatusCompleted {
			to.status.Kind = StatusPending
			g.dropFromReadyQueueLocked(e.To)
		}
	}
	return nil
}

// dropFromReadyQueueLocked removes id from the ready queue if it is
// still there. Callers must hold mu. An id already handed out by
// WaitReady is harmless: the executor re-checks Ready status at
// dispatch time and skips anything demoted since.
func (g *Graph) dropFromReadyQueueLocked(id TaskID) {
	for i, queued := range g.readyQueue {
		if queued == id {
			g.readyQueue = append(g.readyQueue[:i], g.readyQueue[i+1:]...)
			return
		}
	}
}

// hasCycleLocked runs a DFS colouring over Hard edges only. Caller must
// hold mu.
func (g *Graph) hasCycleLocked() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[TaskID]int, len(g.tasks))
	var visit func(id TaskID) bool
	visit = func(id TaskID) bool {
		color[id] = gray
		for _, e := range g.out[id] {
			if e.Kind != EdgeHard {
				continue
			}
			switch color[e.To] {
			case gray:
				return true
			case white:
				if visit(e.To) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for id := range g.tasks {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// promoteLocked moves id from Pending to Ready if every Hard in-edge's
// source has completed. Caller must hold mu.
func (g *Graph) promoteLocked(id TaskID) {
	t, ok := g.tasks[id]
	if !ok || t.status.Kind != StatusPending {
		return
	}
	for _, e := range g.in[id] {
		if e.Kind != EdgeHard {
			continue
		}
		src, ok := g.tasks[e.From]
		if !ok || src.status.Kind != StatusCompleted {
			return
		}
	}
	t.status.Kind = StatusReady
	g.readyQueue = append(g.readyQueue, id)
	g.cond.Broadcast()
}

// WaitReady blocks until at least one task is ready to dispatch,
// returning it and removing it from the internal ready queue, or
// returns ok=false if ctx is done first. Built on a condition variable
// rather than a buffered channel so it never needs a capacity guess.
func (g *Graph) WaitReady(ctx context.Context) (TaskID, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// The lock is taken before broadcasting so the wakeup cannot
			// slip into the gap between the waiter's ctx check and its
			// cond.Wait.
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.readyQueue) == 0 {
		if ctx.Err() != nil {
			return TaskID{}, false
		}
		g.cond.Wait()
	}
	id := g.readyQueue[0]
	g.readyQueue = g.readyQueue[1:]
	return id, true
}

// Ready returns every task currently in Ready status.
func (g *Graph) Ready() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Task
	for _, t := range g.tasks {
		if t.status.Kind == StatusReady {
			out = append(out, t)
		}
	}
	return out
}

// Get returns the task for id, if present.
func (g *Graph) Get(id TaskID) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

// Quiescent reports whether no task is left Pending, Ready or Running
// and no scheduled retry is still waiting to re-arm — i.e. the executor
// has nothing further to dispatch and every task is Completed, Failed
// (no retry pending), Cancelled or Paused.
func (g *Graph) Quiescent() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.pendingRetries > 0 {
		return false
	}
	for _, t := range g.tasks {
		switch t.status.Kind {
		case StatusPending, StatusReady, StatusRunning:
			return false
		}
	}
	return true
}

// All returns every task in the mesh.
func (g *Graph) All() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}

// MarkRunning transitions id from Ready to Running.
func (g *Graph) MarkRunning(id TaskID, workerID string, startedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return errs.New(errs.Validation, "mesh", "MarkRunning", nil, map[string]string{"reason": "unknown task"})
	}
	if t.status.Kind != StatusReady {
		return errs.New(errs.Runtime, "mesh", "MarkRunning", nil, map[string]string{"reason": "task not ready"})
	}
	t.status.Kind = StatusRunning
	t.status.WorkerID = workerID
	t.status.StartedAt = startedAt
	t.status.Attempt++
	g.events.Append(EventTaskStarted, id, map[string]string{"worker_id": workerID})
	return nil
}

// MarkCompleted transitions id to Completed and promotes its dependents.
// Terminal states are absorbing: completing a task that was cancelled in
// the meantime is rejected, not overwritten.
func (g *Graph) MarkCompleted(id TaskID, endedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return errs.New(errs.Validation, "mesh", "MarkCompleted", nil, nil)
	}
	if t.status.Kind.IsTerminal() {
		return errs.New(errs.Runtime, "mesh", "MarkCompleted", nil, map[string]string{"reason": "invalid transition", "from": string(t.status.Kind)})
	}
	t.status.Kind = StatusCompleted
	t.status.EndedAt = endedAt
	g.events.Append(EventTaskCompleted, id, nil)
	for _, e := range g.out[id] {
		if e.Kind == EdgeHard {
			g.promoteLocked(e.To)
		}
	}
	return nil
}

// MarkFailed transitions id to Failed, recording the cause and the
// attempt it failed on. It does not itself decide retry eligibility —
// the retry envelope (recoverable class, attempt within budget, backoff
// elapsed) is the executor's call, made through ScheduleRetry once it
// has consulted the backend's resilience.Policy for the delay.
func (g *Graph) MarkFailed(id TaskID, cause error, endedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return errs.New(errs.Validation, "mesh", "MarkFailed", nil, nil)
	}
	if t.status.Kind.IsTerminal() {
		return errs.New(errs.Runtime, "mesh", "MarkFailed", nil, map[string]string{"reason": "invalid transition", "from": string(t.status.Kind)})
	}
	t.status.Kind = StatusFailed
	t.status.EndedAt = endedAt
	if cause != nil {
		t.status.Error = cause.Error()
	}
	g.events.Append(EventTaskFailed, id, map[string]string{"error": t.status.Error})
	return nil
}

// IncrementAttempt bumps id's attempt counter without a Ready->Running
// transition, for failures charged against the retry budget before any
// worker ever ran the task (a breaker-open rejection). Returns the new
// attempt count, or 0 for an unknown id.
func (g *Graph) IncrementAttempt(id TaskID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return 0
	}
	t.status.Attempt++
	return t.status.Attempt
}

// ScheduleRetry re-arms a Failed task back to Pending (promoting it to
// Ready immediately if its Hard predecessors already completed) once
// delay has elapsed — the retry envelope's next_eligible_at. It keeps
// the mesh from reporting quiescent in the meantime via the
// pendingRetries counter, so
// a caller polling Quiescent doesn't tear down the dispatch loop while a
// retry is still in flight. A task that moved to another state in the
// meantime (e.g. cancelled) is left alone.
func (g *Graph) ScheduleRetry(id TaskID, delay time.Duration) {
	g.mu.Lock()
	g.pendingRetries++
	g.mu.Unlock()
	time.AfterFunc(delay, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.pendingRetries--
		t, ok := g.tasks[id]
		if !ok || t.status.Kind != StatusFailed {
			return
		}
		t.status.Kind = StatusPending
		g.events.Append(EventTaskScheduled, id, map[string]string{"attempt": fmt.Sprintf("%d", t.status.Attempt)})
		g.promoteLocked(id)
	})
}

// Cancel transitions id to Cancelled, a terminal state that is never
// surfaced to the caller as a failure.
func (g *Graph) Cancel(id TaskID, by string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return errs.New(errs.Validation, "mesh", "Cancel", nil, nil)
	}
	if t.status.Kind.IsTerminal() {
		return nil
	}
	t.status.Kind = StatusCancelled
	t.status.EndedAt = at
	t.status.CancelledBy = by
	g.dropFromReadyQueueLocked(id)
	g.events.Append(EventTaskCancelled, id, map[string]string{"by": by})
	return nil
}

// Pause holds a non-terminal task out of dispatch, remembering whether
// it should fall back to Pending or Ready on Resume.
func (g *Graph) Pause(id TaskID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return errs.New(errs.Validation, "mesh", "Pause", nil, nil)
	}
	if t.status.Kind.IsTerminal() || t.status.Kind == StatusRunning {
		return errs.New(errs.Runtime, "mesh", "Pause", nil, map[string]string{"reason": "task is terminal or running"})
	}
	t.status.PausedFrom = t.status.Kind
	t.status.Kind = StatusPaused
	t.status.PauseReason = reason
	g.dropFromReadyQueueLocked(id)
	return nil
}

// Resume restores a Paused task to the status it was paused from,
// re-promoting it onto the ready queue if that status was Ready.
func (g *Graph) Resume(id TaskID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return errs.New(errs.Validation, "mesh", "Resume", nil, nil)
	}
	if t.status.Kind != StatusPaused {
		return nil
	}
	from := t.status.PausedFrom
	if from == "" {
		from = StatusPending
	}
	t.status.Kind = from
	t.status.PauseReason = ""
	if from == StatusReady {
		g.readyQueue = append(g.readyQueue, id)
		g.cond.Broadcast()
	} else {
		g.promoteLocked(id)
	}
	return nil
}

// Dependents returns the ids of tasks that declare id as a Hard
// predecessor.
func (g *Graph) Dependents(id TaskID) []TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []TaskID
	for _, e := range g.out[id] {
		if e.Kind == EdgeHard {
			out = append(out, e.To)
		}
	}
	return out
}

// Dependencies returns the ids id declares as Hard predecessors.
func (g *Graph) Dependencies(id TaskID) []TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []TaskID
	for _, e := range g.in[id] {
		if e.Kind == EdgeHard {
			out = append(out, e.From)
		}
	}
	return out
}

// TopologicalOrder returns every task id in an order consistent with
// Hard-edge precedence (Kahn's algorithm), or ok=false if the graph
// currently contains a cycle — which AddEdge should already have
// prevented, so callers can treat a false return as an invariant
// violation worth logging.
func (g *Graph) TopologicalOrder() ([]TaskID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[TaskID]int, len(g.tasks))
	for id := range g.tasks {
		indegree[id] = 0
	}
	for _, edges := range g.out {
		for _, e := range edges {
			if e.Kind == EdgeHard {
				indegree[e.To]++
			}
		}
	}

	var queue []TaskID
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].String() < queue[j].String() })

	order := make([]TaskID, 0, len(g.tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var next []TaskID
		for _, e := range g.out[id] {
			if e.Kind != EdgeHard {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i].String() < next[j].String() })
		queue = append(queue, next...)
	}
	return order, len(order) == len(g.tasks)
}

// Statistics summarizes the mesh's current task counts by status kind.
type Statistics struct {
	Total    int
	ByStatus map[StatusKind]int
}

// Statistics computes a point-in-time count of tasks per StatusKind.
func (g *Graph) Statistics() Statistics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := Statistics{Total: len(g.tasks), ByStatus: make(map[StatusKind]int)}
	for _, t := range g.tasks {
		stats.ByStatus[t.status.Kind]++
	}
	return stats
}
