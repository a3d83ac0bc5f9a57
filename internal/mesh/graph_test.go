package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearChainPromotesInOrder(t *testing.T) {
	g := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand, Command: "true"})
	b := NewTask("b", Definition{Kind: DefCommand, Command: "true"})
	g.AddTask(a)
	g.AddTask(b)
	require.NoError(t, g.AddEdge(DependencyEdge{From: a.ID, To: b.ID, Kind: EdgeHard}))

	assert.Equal(t, StatusReady, a.Status().Kind, "a should be ready immediately")
	assert.Equal(t, StatusPending, b.Status().Kind, "b should still be pending")

	require.NoError(t, g.MarkRunning(a.ID, "w1", time.Now()))
	require.NoError(t, g.MarkCompleted(a.ID, time.Now()))
	assert.Equal(t, StatusReady, b.Status().Kind, "b should be promoted to ready after a completes")
}

func TestLateHardEdgeDemotesReadyTask(t *testing.T) {
	g := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand, Command: "true"})
	b := NewTask("b", Definition{Kind: DefCommand, Command: "true"})
	g.AddTask(a)
	g.AddTask(b)
	require.Equal(t, StatusReady, b.Status().Kind, "edge-less b starts ready")

	// linking after submission must take b's readiness back until a
	// completes, and pull it off the ready queue.
	require.NoError(t, g.AddEdge(DependencyEdge{From: a.ID, To: b.ID, Kind: EdgeHard}))
	assert.Equal(t, StatusPending, b.Status().Kind)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, ok := g.WaitReady(ctx)
	require.True(t, ok)
	assert.Equal(t, a.ID, id, "only a should be dispatchable")
}

func TestCycleRejected(t *testing.T) {
	g := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand})
	b := NewTask("b", Definition{Kind: DefCommand})
	g.AddTask(a)
	g.AddTask(b)
	require.NoError(t, g.AddEdge(DependencyEdge{From: a.ID, To: b.ID, Kind: EdgeHard}), "first edge should succeed")
	assert.Error(t, g.AddEdge(DependencyEdge{From: b.ID, To: a.ID, Kind: EdgeHard}), "expected cycle rejection")
}

func TestCancelIsTerminalAndIdempotent(t *testing.T) {
	g := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand})
	g.AddTask(a)
	require.NoError(t, g.Cancel(a.ID, "test", time.Now()))
	assert.Equal(t, StatusCancelled, a.Status().Kind)
	// cancelling an already-terminal task is a no-op, not an error.
	assert.NoError(t, g.Cancel(a.ID, "test", time.Now()), "re-cancel should be a no-op")
}

func TestPauseResumeRoundTrip(t *testing.T) {
	g := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand, Command: "true"})
	b := NewTask("b", Definition{Kind: DefCommand, Command: "true"})
	g.AddTask(a)
	g.AddTask(b)
	require.NoError(t, g.AddEdge(DependencyEdge{From: a.ID, To: b.ID, Kind: EdgeHard}))

	// a is Ready; pausing it must remember Ready so Resume restores it,
	// not fall back to Pending.
	require.NoError(t, g.Pause(a.ID, "operator request"))
	assert.Equal(t, StatusPaused, a.Status().Kind)
	require.NoError(t, g.Resume(a.ID))
	assert.Equal(t, StatusReady, a.Status().Kind, "expected a back to ready after resume")

	// b is still Pending; pause/resume must remember that, not promote it.
	require.NoError(t, g.Pause(b.ID, "operator request"))
	require.NoError(t, g.Resume(b.ID))
	assert.Equal(t, StatusPending, b.Status().Kind, "predecessor not completed")

	require.NoError(t, g.MarkRunning(a.ID, "w1", time.Now()))
	assert.Error(t, g.Pause(a.ID, "too late"), "expected pausing a running task to be rejected")
}

func TestDependentsAndDependencies(t *testing.T) {
	g := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand})
	b := NewTask("b", Definition{Kind: DefCommand})
	c := NewTask("c", Definition{Kind: DefCommand})
	g.AddTask(a)
	g.AddTask(b)
	g.AddTask(c)
	require.NoError(t, g.AddEdge(DependencyEdge{From: a.ID, To: b.ID, Kind: EdgeHard}))
	require.NoError(t, g.AddEdge(DependencyEdge{From: a.ID, To: c.ID, Kind: EdgeHard}))

	assert.Len(t, g.Dependents(a.ID), 2)
	preds := g.Dependencies(b.ID)
	require.Len(t, preds, 1)
	assert.Equal(t, a.ID, preds[0])
}

func TestTopologicalOrderRespectsHardEdges(t *testing.T) {
	g := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand})
	b := NewTask("b", Definition{Kind: DefCommand})
	c := NewTask("c", Definition{Kind: DefCommand})
	g.AddTask(a)
	g.AddTask(b)
	g.AddTask(c)
	require.NoError(t, g.AddEdge(DependencyEdge{From: a.ID, To: b.ID, Kind: EdgeHard}))
	require.NoError(t, g.AddEdge(DependencyEdge{From: b.ID, To: c.ID, Kind: EdgeHard}))

	order, ok := g.TopologicalOrder()
	require.True(t, ok, "expected a valid topological order")
	pos := make(map[TaskID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos[a.ID], pos[b.ID])
	assert.Less(t, pos[b.ID], pos[c.ID])
}

func TestStatisticsCountsByStatus(t *testing.T) {
	g := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand})
	b := NewTask("b", Definition{Kind: DefCommand})
	g.AddTask(a)
	g.AddTask(b)
	require.NoError(t, g.Cancel(b.ID, "test", time.Now()))

	stats := g.Statistics()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusReady])
	assert.Equal(t, 1, stats.ByStatus[StatusCancelled])
}

func TestRestoreRebuildsReadyQueueAndDefinition(t *testing.T) {
	src := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand, Command: "echo", Args: []string{"restored"}})
	b := NewTask("b", Definition{Kind: DefCommand, Command: "echo", Args: []string{"b"}})
	src.AddTask(a)
	src.AddTask(b)
	require.NoError(t, src.AddEdge(DependencyEdge{From: a.ID, To: b.ID, Kind: EdgeHard}))
	snap := src.Snapshot()

	dst := NewGraph()
	dst.Restore(snap)

	restoredA, ok := dst.Get(a.ID)
	require.True(t, ok, "expected task a to exist after restore")
	assert.Equal(t, StatusReady, restoredA.Status().Kind)
	require.Equal(t, "echo", restoredA.Definition.Command)
	require.Len(t, restoredA.Definition.Args, 1)
	assert.Equal(t, "restored", restoredA.Definition.Args[0])

	// WaitReady must actually see the restored Ready task, not just its status field.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, ok := dst.WaitReady(ctx)
	require.True(t, ok)
	assert.Equal(t, a.ID, id)
}

func TestEventLogHashChainVerifies(t *testing.T) {
	g := NewGraph()
	a := NewTask("a", Definition{Kind: DefCommand})
	g.AddTask(a)
	require.NoError(t, g.MarkRunning(a.ID, "w1", time.Now()))
	require.NoError(t, g.MarkCompleted(a.ID, time.Now()))

	assert.True(t, g.Events().Verify(), "event log hash chain should verify")
	events := g.Events().Since(0)
	assert.GreaterOrEqual(t, len(events), 2, "expected at least submit+complete events")
}
