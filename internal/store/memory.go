package store

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// MemoryStore is an in-process Store, used by tests and as the default
// when no store.url is configured: separate maps per record kind behind
// a single RWMutex.
type MemoryStore struct {
	mu sync.RWMutex

	tasks       map[string]TaskRecord
	statuses    map[string]StatusRecord
	events      []EventRecord
	metrics     map[string]MetricsRecord
	snapshots   []SnapshotMetadata
	checkpoints []CheckpointRecord
	backups     []BackupOperation

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	meter := otel.Meter("taskmesh-store")
	hits, _ := meter.Int64Counter("taskmesh_store_cache_hits_total")
	misses, _ := meter.Int64Counter("taskmesh_store_cache_misses_total")
	return &MemoryStore{
		tasks:       make(map[string]TaskRecord),
		statuses:    make(map[string]StatusRecord),
		metrics:     make(map[string]MetricsRecord),
		cacheHits:   hits,
		cacheMisses: misses,
	}
}

func (m *MemoryStore) PutTask(ctx context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[id]
	if ok {
		m.cacheHits.Add(ctx, 1)
	} else {
		m.cacheMisses.Add(ctx, 1)
	}
	return rec, ok, nil
}

func (m *MemoryStore) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskRecord, 0, len(m.tasks))
	for _, r := range m.tasks {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) PutStatus(ctx context.Context, rec StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[rec.TaskID] = rec
	return nil
}

func (m *MemoryStore) GetStatus(ctx context.Context, taskID string) (StatusRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.statuses[taskID]
	return rec, ok, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, rec EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, rec)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, since uint64) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EventRecord
	for _, e := range m.events {
		if e.Index >= since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutMetrics(ctx context.Context, rec MetricsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[rec.TaskID] = rec
	return nil
}

func (m *MemoryStore) PutSnapshotMetadata(ctx context.Context, rec SnapshotMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, rec)
	return nil
}

func (m *MemoryStore) LatestSnapshotMetadata(ctx context.Context) (SnapshotMetadata, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snapshots) == 0 {
		return SnapshotMetadata{}, false, nil
	}
	return m.snapshots[len(m.snapshots)-1], true, nil
}

func (m *MemoryStore) ListSnapshotMetadata(ctx context.Context) ([]SnapshotMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SnapshotMetadata, len(m.snapshots))
	for i, s := range m.snapshots {
		out[len(m.snapshots)-1-i] = s
	}
	return out, nil
}

func (m *MemoryStore) DeleteSnapshotMetadata(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.snapshots {
		if s.SnapshotID == id {
			m.snapshots = append(m.snapshots[:i], m.snapshots[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, kind string) ([]TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TaskRecord
	for id, rec := range m.tasks {
		if st, ok := m.statuses[id]; ok && st.Kind == kind {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) GC(ctx context.Context, retentionDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	kept := m.checkpoints[:0:0]
	removed := 0
	for _, c := range m.checkpoints {
		if c.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	m.checkpoints = kept
	return removed, nil
}

func (m *MemoryStore) PutCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, rec)
	return nil
}

func (m *MemoryStore) LatestCheckpoint(ctx context.Context) (CheckpointRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.checkpoints) == 0 {
		return CheckpointRecord{}, false, nil
	}
	return m.checkpoints[len(m.checkpoints)-1], true, nil
}

func (m *MemoryStore) ListCheckpoints(ctx context.Context) ([]CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CheckpointRecord, len(m.checkpoints))
	for i, c := range m.checkpoints {
		out[len(m.checkpoints)-1-i] = c
	}
	return out, nil
}

func (m *MemoryStore) DeleteCheckpoint(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.checkpoints {
		if c.CheckpointID == id {
			m.checkpoints = append(m.checkpoints[:i], m.checkpoints[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) PutBackupOperation(ctx context.Context, rec BackupOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = append(m.backups, rec)
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		TaskCount:       len(m.tasks),
		EventCount:      len(m.events),
		MetricsCount:    len(m.metrics),
		SnapshotCount:   len(m.snapshots),
		CheckpointCount: len(m.checkpoints),
	}, nil
}

func (m *MemoryStore) Close() error { return nil }
