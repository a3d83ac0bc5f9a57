package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schema is the normative table set: tasks, task_status, events,
// metrics, snapshot_metadata, checkpoints, backup_operations. Column
// names and presence follow the durable record shapes in store.go
// verbatim; timestamp columns keep sqlite's DATETIME affinity (which
// modernc.org/sqlite does not enforce at the type level regardless) for
// readability rather than packing them as literal unix-millis integers.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	definition BLOB NOT NULL,
	dependencies TEXT,
	priority INTEGER NOT NULL,
	metadata TEXT,
	created_at DATETIME NOT NULL,
	timeout_ns INTEGER NOT NULL,
	max_retries INTEGER NOT NULL,
	tags TEXT
);
CREATE TABLE IF NOT EXISTS task_status (
	task_id TEXT PRIMARY KEY REFERENCES tasks(id),
	status_type TEXT NOT NULL,
	status_data TEXT,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	idx INTEGER PRIMARY KEY,
	task_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	ts DATETIME NOT NULL,
	data TEXT
);
CREATE TABLE IF NOT EXISTS metrics (
	task_id TEXT PRIMARY KEY REFERENCES tasks(id),
	execution_time_ms INTEGER NOT NULL,
	cpu_usage REAL NOT NULL,
	memory_usage INTEGER NOT NULL,
	net_r INTEGER NOT NULL,
	net_w INTEGER NOT NULL,
	disk_r INTEGER NOT NULL,
	disk_w INTEGER NOT NULL,
	recorded_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshot_metadata (
	snapshot_id TEXT PRIMARY KEY,
	object_key TEXT NOT NULL,
	version TEXT,
	compressed INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	task_count INTEGER NOT NULL,
	completed INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	compression_ratio REAL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id TEXT PRIMARY KEY,
	task_count INTEGER NOT NULL,
	last_completed_task TEXT,
	system_state TEXT,
	recovery_data BLOB,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS backup_operations (
	operation_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	success INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	size_bytes INTEGER,
	error TEXT,
	created_at DATETIME NOT NULL
);
`

// SQLStore is the embedded-SQL binding of the state store, backed by
// modernc.org/sqlite (pure Go, no cgo).
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if absent) the sqlite database at path
// and ensures the schema exists.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("taskmesh: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskmesh: migrate sqlite store: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) PutTask(ctx context.Context, rec TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, definition, dependencies, priority, metadata, created_at, timeout_ns, max_retries, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition,
			dependencies=excluded.dependencies, priority=excluded.priority, metadata=excluded.metadata,
			timeout_ns=excluded.timeout_ns, max_retries=excluded.max_retries, tags=excluded.tags`,
		rec.ID, rec.Name, rec.Definition, encodeStrings(rec.Dependencies), rec.Priority,
		encodeStringMap(rec.Metadata), rec.CreatedAt, int64(rec.Timeout), rec.MaxRetries, encodeStrings(rec.Tags))
	return err
}

func scanTaskRow(scan func(dest ...any) error) (TaskRecord, error) {
	var rec TaskRecord
	var timeoutNs int64
	var deps, metadata, tags string
	if err := scan(&rec.ID, &rec.Name, &rec.Definition, &deps, &rec.Priority, &metadata, &rec.CreatedAt, &timeoutNs, &rec.MaxRetries, &tags); err != nil {
		return TaskRecord{}, err
	}
	rec.Timeout = time.Duration(timeoutNs)
	rec.Dependencies = decodeStrings(deps)
	rec.Metadata = decodeStringMap(metadata)
	rec.Tags = decodeStrings(tags)
	return rec, nil
}

const taskColumns = `id, name, definition, dependencies, priority, metadata, created_at, timeout_ns, max_retries, tags`

func (s *SQLStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTaskRow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return TaskRecord{}, false, nil
		}
		return TaskRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLStore) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutStatus(ctx context.Context, rec StatusRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_status (task_id, status_type, status_data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET status_type=excluded.status_type,
			status_data=excluded.status_data, updated_at=excluded.updated_at`,
		rec.TaskID, rec.Kind, encodeStatusData(rec), rec.UpdatedAt)
	return err
}

func (s *SQLStore) GetStatus(ctx context.Context, taskID string) (StatusRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT task_id, status_type, status_data, updated_at FROM task_status WHERE task_id = ?`, taskID)
	var taskIDCol, kind, data string
	var updatedAt time.Time
	if err := row.Scan(&taskIDCol, &kind, &data, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return StatusRecord{}, false, nil
		}
		return StatusRecord{}, false, err
	}
	d := decodeStatusData(data)
	rec := StatusRecord{
		TaskID: taskIDCol, Kind: kind, UpdatedAt: updatedAt,
		Attempt: d.Attempt, WorkerID: d.WorkerID, StartedAt: d.StartedAt, EndedAt: d.EndedAt,
		Error: d.Error, CancelledBy: d.CancelledBy, PauseReason: d.PauseReason, PausedFrom: d.PausedFrom,
	}
	return rec, true, nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, rec EventRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO events (idx, task_id, event_type, ts, data) VALUES (?, ?, ?, ?, ?)`,
		rec.Index, rec.TaskID, rec.Type, rec.Timestamp, encodeEventData(rec.Data))
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, since uint64) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx, task_id, event_type, ts, data FROM events WHERE idx >= ? ORDER BY idx ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var data string
		if err := rows.Scan(&rec.Index, &rec.TaskID, &rec.Type, &rec.Timestamp, &data); err != nil {
			return nil, err
		}
		rec.Data = decodeEventData(data)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutMetrics(ctx context.Context, rec MetricsRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (task_id, execution_time_ms, cpu_usage, memory_usage, net_r, net_w, disk_r, disk_w, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET execution_time_ms=excluded.execution_time_ms,
			cpu_usage=excluded.cpu_usage, memory_usage=excluded.memory_usage,
			net_r=excluded.net_r, net_w=excluded.net_w, disk_r=excluded.disk_r, disk_w=excluded.disk_w,
			recorded_at=excluded.recorded_at`,
		rec.TaskID, rec.ExecutionTimeMS, rec.CPUUsage, rec.MemoryUsage, rec.NetRead, rec.NetWrite,
		rec.DiskRead, rec.DiskWrite, rec.RecordedAt)
	return err
}

func (s *SQLStore) PutSnapshotMetadata(ctx context.Context, rec SnapshotMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshot_metadata (snapshot_id, object_key, version, compressed, size_bytes, task_count, completed, failed, compression_ratio, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SnapshotID, rec.ObjectKey, rec.Version, rec.Compressed, rec.SizeBytes, rec.TaskCount,
		rec.Completed, rec.Failed, rec.CompressionRatio, rec.CreatedAt)
	return err
}

const snapshotColumns = `snapshot_id, object_key, version, compressed, size_bytes, task_count, completed, failed, compression_ratio, created_at`

func scanSnapshotRow(scan func(dest ...any) error) (SnapshotMetadata, error) {
	var rec SnapshotMetadata
	if err := scan(&rec.SnapshotID, &rec.ObjectKey, &rec.Version, &rec.Compressed, &rec.SizeBytes,
		&rec.TaskCount, &rec.Completed, &rec.Failed, &rec.CompressionRatio, &rec.CreatedAt); err != nil {
		return SnapshotMetadata{}, err
	}
	return rec, nil
}

func (s *SQLStore) LatestSnapshotMetadata(ctx context.Context) (SnapshotMetadata, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshot_metadata ORDER BY created_at DESC LIMIT 1`)
	rec, err := scanSnapshotRow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return SnapshotMetadata{}, false, nil
		}
		return SnapshotMetadata{}, false, err
	}
	return rec, true, nil
}

func (s *SQLStore) ListSnapshotMetadata(ctx context.Context) ([]SnapshotMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshot_metadata ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotMetadata
	for rows.Next() {
		rec, err := scanSnapshotRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSnapshotMetadata(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshot_metadata WHERE snapshot_id = ?`, id)
	return err
}

func (s *SQLStore) ListByStatus(ctx context.Context, kind string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.definition, t.dependencies, t.priority, t.metadata, t.created_at, t.timeout_ns, t.max_retries, t.tags
		FROM tasks t JOIN task_status s ON s.task_id = t.id WHERE s.status_type = ?`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) GC(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) PutCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, task_count, last_completed_task, system_state, recovery_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CheckpointID, rec.TaskCount, rec.LastCompletedTask, rec.SystemState, rec.RecoveryData, rec.CreatedAt)
	return err
}

const checkpointColumns = `checkpoint_id, task_count, last_completed_task, system_state, recovery_data, created_at`

func scanCheckpointRow(scan func(dest ...any) error) (CheckpointRecord, error) {
	var rec CheckpointRecord
	if err := scan(&rec.CheckpointID, &rec.TaskCount, &rec.LastCompletedTask, &rec.SystemState, &rec.RecoveryData, &rec.CreatedAt); err != nil {
		return CheckpointRecord{}, err
	}
	return rec, nil
}

func (s *SQLStore) LatestCheckpoint(ctx context.Context) (CheckpointRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY task_count DESC LIMIT 1`)
	rec, err := scanCheckpointRow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return CheckpointRecord{}, false, nil
		}
		return CheckpointRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLStore) ListCheckpoints(ctx context.Context) ([]CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY task_count DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpointRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteCheckpoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE checkpoint_id = ?`, id)
	return err
}

func (s *SQLStore) PutBackupOperation(ctx context.Context, rec BackupOperation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_operations (operation_id, kind, success, duration_ms, size_bytes, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.OperationID, rec.Kind, rec.Success, rec.DurationMS, rec.SizeBytes, rec.Error, rec.CreatedAt)
	return err
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&st.TaskCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.EventCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics`).Scan(&st.MetricsCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshot_metadata`).Scan(&st.SnapshotCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&st.CheckpointCount); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
