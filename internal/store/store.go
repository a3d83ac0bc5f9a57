// Package store implements the durability contract behind three
// bindings: memory (tests), sqlstore (embedded, modernc.org/sqlite) and
// natskv (external, shared-deployment JetStream KV).
package store

import (
	"context"
	"time"

	"github.com/swarmguard/taskmesh/internal/mesh"
)

// TaskRecord is the durable row shape for the tasks table.
type TaskRecord struct {
	ID           string
	Name         string
	Definition   []byte // json
	Dependencies []string
	Priority     int
	Metadata     map[string]string
	CreatedAt    time.Time
	Timeout      time.Duration
	MaxRetries   int
	Tags         []string
}

// StatusRecord is the durable row shape for the task_status table. The
// SQL binding packs everything but TaskID/Kind/UpdatedAt into the
// table's single status_data JSON column.
type StatusRecord struct {
	TaskID      string
	Kind        string
	Attempt     int
	WorkerID    string
	StartedAt   time.Time
	EndedAt     time.Time
	Error       string
	CancelledBy string
	PauseReason string
	PausedFrom  string
	UpdatedAt   time.Time
}

// EventRecord is the durable row shape for the events table.
type EventRecord struct {
	Index     uint64
	TaskID    string
	Type      string
	Timestamp time.Time
	Data      map[string]string
}

// MetricsRecord is the durable row shape for the metrics table — one
// row per task, overwritten on each successful completion.
type MetricsRecord struct {
	TaskID          string
	ExecutionTimeMS int64
	CPUUsage        float64
	MemoryUsage     int64
	NetRead         int64
	NetWrite        int64
	DiskRead        int64
	DiskWrite       int64
	RecordedAt      time.Time
}

// SnapshotMetadata is the durable row shape for snapshot_metadata.
type SnapshotMetadata struct {
	SnapshotID       string
	ObjectKey        string
	Compressed       bool
	SizeBytes        int64
	TaskCount        int
	Completed        int
	Failed           int
	Version          string
	CompressionRatio float64
	CreatedAt        time.Time
}

// CheckpointRecord is the durable row shape for the checkpoints table —
// one row per incremental checkpoint, keyed on the monotone
// completed-task count (TaskCount) at the moment it was taken.
type CheckpointRecord struct {
	CheckpointID      string
	TaskCount         uint64
	LastCompletedTask string
	SystemState       []byte // json: active/pending/failed task-id lists
	RecoveryData      []byte // json: opaque mesh snapshot payload
	CreatedAt         time.Time
}

// BackupOperation is the durable row shape for backup_operations — one
// row per snapshot/checkpoint attempt, success or failure.
type BackupOperation struct {
	OperationID string
	Kind        string // op: "snapshot" | "checkpoint"
	Success     bool
	DurationMS  int64
	SizeBytes   int64
	Error       string
	CreatedAt   time.Time
}

// Stats summarizes the store's current size. No binding fills
// CacheHits or CacheMisses; they are always zero.
type Stats struct {
	TaskCount       int
	EventCount      int
	MetricsCount    int
	SnapshotCount   int
	CheckpointCount int
	CacheHits       int64
	CacheMisses     int64
}

// Store is the durability contract every mesh/scheduler/snapshot
// component writes through.
type Store interface {
	PutTask(ctx context.Context, rec TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, bool, error)
	ListTasks(ctx context.Context) ([]TaskRecord, error)

	PutStatus(ctx context.Context, rec StatusRecord) error
	GetStatus(ctx context.Context, taskID string) (StatusRecord, bool, error)

	AppendEvent(ctx context.Context, rec EventRecord) error
	ListEvents(ctx context.Context, since uint64) ([]EventRecord, error)

	// PutMetrics upserts task_id's execution-metrics row.
	PutMetrics(ctx context.Context, rec MetricsRecord) error

	PutSnapshotMetadata(ctx context.Context, rec SnapshotMetadata) error
	LatestSnapshotMetadata(ctx context.Context) (SnapshotMetadata, bool, error)
	// ListSnapshotMetadata returns every retained snapshot, newest first.
	ListSnapshotMetadata(ctx context.Context) ([]SnapshotMetadata, error)
	DeleteSnapshotMetadata(ctx context.Context, id string) error

	PutCheckpoint(ctx context.Context, rec CheckpointRecord) error
	LatestCheckpoint(ctx context.Context) (CheckpointRecord, bool, error)
	// ListCheckpoints returns every retained checkpoint, newest first.
	ListCheckpoints(ctx context.Context) ([]CheckpointRecord, error)
	DeleteCheckpoint(ctx context.Context, id string) error

	PutBackupOperation(ctx context.Context, rec BackupOperation) error

	// ListByStatus returns every task whose current status kind matches
	// kind (e.g. "completed", "failed").
	ListByStatus(ctx context.Context, kind string) ([]TaskRecord, error)
	// GC deletes checkpoints older than retentionDays, returning the
	// count removed.
	GC(ctx context.Context, retentionDays int) (int, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// TaskRecordFromMesh converts a mesh.Task into its durable row shape.
// dependencies is the list of task ids t hard-depends on; callers that
// don't yet know them (e.g. at initial submission, before any edge is
// linked) pass nil.
func TaskRecordFromMesh(t *mesh.Task, definitionJSON []byte, dependencies []string) TaskRecord {
	return TaskRecord{
		ID:           t.ID.String(),
		Name:         t.Name,
		Definition:   definitionJSON,
		Dependencies: dependencies,
		Priority:     int(t.Priority),
		Metadata:     t.Metadata,
		CreatedAt:    t.CreatedAt,
		Timeout:      t.Timeout,
		MaxRetries:   t.MaxRetries,
		Tags:         t.Tags,
	}
}

// StatusRecordFromMesh converts a mesh.Status into its durable row
// shape for taskID.
func StatusRecordFromMesh(taskID string, st mesh.Status, now time.Time) StatusRecord {
	return StatusRecord{
		TaskID:      taskID,
		Kind:        string(st.Kind),
		Attempt:     st.Attempt,
		WorkerID:    st.WorkerID,
		StartedAt:   st.StartedAt,
		EndedAt:     st.EndedAt,
		Error:       st.Error,
		CancelledBy: st.CancelledBy,
		PauseReason: st.PauseReason,
		PausedFrom:  string(st.PausedFrom),
		UpdatedAt:   now,
	}
}
