package mesh

import (
	"sort"
	"time"
)

// TaskSnapshot is the deterministic, serializable view of one task used
// by the durability layer's full snapshots. It carries every field
// needed to redispatch the task after a restore, not just its status —
// a restored task whose Definition was dropped could never actually run.
type TaskSnapshot struct {
	ID           TaskID
	Name         string
	Definition   Definition
	Priority     Priority
	Metadata     map[string]string
	Tags         []string
	CreatedAt    time.Time
	Deadline     time.Time
	Timeout      time.Duration
	MaxRetries   int
	BackendHint  string
	ResourceNeed int
	Status       Status
}

// EdgeSnapshot is a serializable DependencyEdge.
type EdgeSnapshot struct {
	From TaskID
	To   TaskID
	Kind EdgeKind
}

// GraphSnapshot is the full, deterministically ordered mesh state a
// snapshot engine serializes to the object store.
type GraphSnapshot struct {
	Tasks []TaskSnapshot
	Edges []EdgeSnapshot
}

// Snapshot returns a deterministically ordered (by task ID string)
// view of the entire mesh, suitable for stable JSON serialization.
func (g *Graph) Snapshot() GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]TaskSnapshot, 0, len(g.tasks))
	for _, t := range g.tasks {
		tasks = append(tasks, TaskSnapshot{
			ID:           t.ID,
			Name:         t.Name,
			Definition:   t.Definition,
			Priority:     t.Priority,
			Metadata:     t.Metadata,
			Tags:         t.Tags,
			CreatedAt:    t.CreatedAt,
			Deadline:     t.Deadline,
			Timeout:      t.Timeout,
			MaxRetries:   t.MaxRetries,
			BackendHint:  t.BackendHint,
			ResourceNeed: t.ResourceNeed,
			Status:       t.status,
		})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID.String() < tasks[j].ID.String() })

	var edges []EdgeSnapshot
	for _, es := range g.out {
		for _, e := range es {
			edges = append(edges, EdgeSnapshot{From: e.From, To: e.To, Kind: e.Kind})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From.String() != edges[j].From.String() {
			return edges[i].From.String() < edges[j].From.String()
		}
		return edges[i].To.String() < edges[j].To.String()
	})

	return GraphSnapshot{Tasks: tasks, Edges: edges}
}

// Restore rebuilds the whole mesh — tasks, edges, statuses, and the
// internal ready queue — from a GraphSnapshot. Tasks and edges not
// already present (e.g. restoring into an empty Graph at boot) are
// recreated; existing tasks have every field overwritten. Restore is
// idempotent and atomic at whole-mesh granularity: a task snapshotted as
// Ready must come back dispatchable, not stuck waiting on a ready queue
// that was never rebuilt for it.
func (g *Graph) Restore(snap GraphSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ts := range snap.Tasks {
		t, ok := g.tasks[ts.ID]
		if !ok {
			t = &Task{ID: ts.ID}
			g.tasks[ts.ID] = t
		}
		t.Name = ts.Name
		t.Definition = ts.Definition
		t.Priority = ts.Priority
		t.Metadata = ts.Metadata
		t.Tags = ts.Tags
		t.CreatedAt = ts.CreatedAt
		t.Deadline = ts.Deadline
		t.Timeout = ts.Timeout
		t.MaxRetries = ts.MaxRetries
		t.BackendHint = ts.BackendHint
		t.ResourceNeed = ts.ResourceNeed
		t.status = ts.Status
	}
	for _, es := range snap.Edges {
		edge := DependencyEdge{From: es.From, To: es.To, Kind: es.Kind}
		if !hasEdge(g.out[es.From], edge) {
			g.out[es.From] = append(g.out[es.From], edge)
			g.in[es.To] = append(g.in[es.To], edge)
		}
	}

	g.readyQueue = g.readyQueue[:0]
	for _, ts := range snap.Tasks {
		switch ts.Status.Kind {
		case StatusReady:
			g.readyQueue = append(g.readyQueue, ts.ID)
		case StatusPending:
			// Re-run promotion in case the checkpoint being replayed is
			// newer than the snapshot it layers onto and a predecessor
			// has since completed.
			g.promoteLocked(ts.ID)
		}
	}
	g.cond.Broadcast()
}

func hasEdge(edges []DependencyEdge, e DependencyEdge) bool {
	for _, existing := range edges {
		if existing.To == e.To && existing.Kind == e.Kind {
			return true
		}
	}
	return false
}
