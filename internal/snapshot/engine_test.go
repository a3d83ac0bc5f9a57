package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/taskmesh/internal/mesh"
	"github.com/swarmguard/taskmesh/internal/store"
)

// fakeObjectStorage keeps snapshot payloads in a map, standing in for
// the S3-backed ObjectStore.
type fakeObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	seq     int
}

func newFakeObjectStorage() *fakeObjectStorage {
	return &fakeObjectStorage{objects: make(map[string][]byte)}
}

func (f *fakeObjectStorage) Key(at time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("test/snapshot_%s_%d.json", at.UTC().Format("20060102_150405"), f.seq)
}

func (f *fakeObjectStorage) Put(ctx context.Context, key string, payload []byte) (int64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), payload...)
	return int64(len(payload)), 1.0, nil
}

func (f *fakeObjectStorage) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return payload, nil
}

func (f *fakeObjectStorage) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStorage) Compressed() bool { return false }

func (f *fakeObjectStorage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func newTestEngine(t *testing.T, cfg Config, objects ObjectStorage, durable store.Store) *Engine {
	t.Helper()
	checkpoints, err := OpenLocalCheckpointStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("OpenLocalCheckpointStore: %v", err)
	}
	t.Cleanup(func() { checkpoints.Close() })
	return NewEngine(cfg, objects, checkpoints, durable)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectStorage()
	durable := store.NewMemoryStore()
	cfg := Config{TasksPerCheckpoint: 3, MaxSnapshots: 10, RetentionDays: 30}

	checkpoints, err := OpenLocalCheckpointStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("OpenLocalCheckpointStore: %v", err)
	}
	defer checkpoints.Close()

	g := mesh.NewGraph()
	var tasks []*mesh.Task
	for i := 0; i < 10; i++ {
		task := mesh.NewTask(fmt.Sprintf("task-%d", i), mesh.Definition{Kind: mesh.DefCommand, Command: "echo"})
		g.AddTask(task)
		tasks = append(tasks, task)
	}

	engine := NewEngine(cfg, objects, checkpoints, durable)
	for i := 0; i < 6; i++ {
		if err := g.MarkRunning(tasks[i].ID, "w1", time.Now()); err != nil {
			t.Fatalf("MarkRunning: %v", err)
		}
		if err := g.MarkCompleted(tasks[i].ID, time.Now()); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
		if err := engine.OnTaskCompleted(ctx, g, tasks[i].ID); err != nil {
			t.Fatalf("OnTaskCompleted: %v", err)
		}
	}
	if _, err := engine.SnapshotNow(ctx, g); err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}

	// Boot a fresh process: new graph, new engine, same durable stores.
	restored := mesh.NewGraph()
	engine2 := NewEngine(cfg, objects, checkpoints, durable)
	if err := engine2.RestoreLatest(ctx, restored); err != nil {
		t.Fatalf("RestoreLatest: %v", err)
	}

	stats := restored.Statistics()
	if stats.Total != 10 {
		t.Fatalf("expected 10 restored tasks, got %d", stats.Total)
	}
	if stats.ByStatus[mesh.StatusCompleted] != 6 {
		t.Fatalf("expected 6 completed after restore, got %d", stats.ByStatus[mesh.StatusCompleted])
	}
	if stats.ByStatus[mesh.StatusReady] != 4 {
		t.Fatalf("expected the remaining 4 in their prior ready state, got %d", stats.ByStatus[mesh.StatusReady])
	}
	if got := engine2.CompletedCount(); got != 6 {
		t.Fatalf("expected restored completion counter 6, got %d", got)
	}
}

func TestSnapshotRetentionKeepsMaxSnapshots(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjectStorage()
	durable := store.NewMemoryStore()
	engine := newTestEngine(t, Config{TasksPerCheckpoint: 6, MaxSnapshots: 2}, objects, durable)

	g := mesh.NewGraph()
	g.AddTask(mesh.NewTask("only", mesh.Definition{Kind: mesh.DefCommand, Command: "echo"}))

	for i := 0; i < 4; i++ {
		if _, err := engine.SnapshotNow(ctx, g); err != nil {
			t.Fatalf("SnapshotNow: %v", err)
		}
	}

	metas, err := durable.ListSnapshotMetadata(ctx)
	if err != nil {
		t.Fatalf("ListSnapshotMetadata: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected exactly max_snapshots=2 retained, got %d", len(metas))
	}
	if objects.count() != 2 {
		t.Fatalf("expected stale payloads deleted from the object store, got %d", objects.count())
	}
}

func TestCheckpointNowWritesAtCurrentCounter(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemoryStore()
	engine := newTestEngine(t, Config{TasksPerCheckpoint: 100}, newFakeObjectStorage(), durable)

	g := mesh.NewGraph()
	task := mesh.NewTask("one", mesh.Definition{Kind: mesh.DefCommand, Command: "echo"})
	g.AddTask(task)
	if err := g.MarkRunning(task.ID, "w1", time.Now()); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := g.MarkCompleted(task.ID, time.Now()); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	// cadence of 100 means no periodic checkpoint fired for 1 completion.
	if err := engine.OnTaskCompleted(ctx, g, task.ID); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}
	if _, ok, _ := durable.LatestCheckpoint(ctx); ok {
		t.Fatal("no checkpoint should exist below the cadence")
	}

	if err := engine.CheckpointNow(ctx, g); err != nil {
		t.Fatalf("CheckpointNow: %v", err)
	}
	rec, ok, err := durable.LatestCheckpoint(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestCheckpoint: ok=%v err=%v", ok, err)
	}
	if rec.TaskCount != 1 {
		t.Fatalf("expected the forced checkpoint at counter 1, got %d", rec.TaskCount)
	}
}
