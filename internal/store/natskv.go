package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSKVStore is the external, shared-deployment binding of the
// durable store, backed by a JetStream KV bucket set.
type NATSKVStore struct {
	js      nats.JetStreamContext
	tasks   nats.KeyValue
	status  nats.KeyValue
	events  nats.KeyValue
	metrics nats.KeyValue
	snaps   nats.KeyValue
	ckpts   nats.KeyValue
	backup  nats.KeyValue
}

// OpenNATSKVStore connects to url and opens (creating if absent) the
// bucket set a taskmesh deployment needs.
func OpenNATSKVStore(url, bucketPrefix string) (*NATSKVStore, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("taskmesh: connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("taskmesh: jetstream context: %w", err)
	}
	s := &NATSKVStore{js: js}
	for name, dst := range map[string]*nats.KeyValue{
		bucketPrefix + "_tasks":   &s.tasks,
		bucketPrefix + "_status":  &s.status,
		bucketPrefix + "_events":  &s.events,
		bucketPrefix + "_metrics": &s.metrics,
		bucketPrefix + "_snaps":   &s.snaps,
		bucketPrefix + "_ckpts":   &s.ckpts,
		bucketPrefix + "_backup":  &s.backup,
	} {
		kv, err := js.KeyValue(name)
		if err != nil {
			kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
			if err != nil {
				return nil, fmt.Errorf("taskmesh: create kv bucket %s: %w", name, err)
			}
		}
		*dst = kv
	}
	return s, nil
}

func putJSON(kv nats.KeyValue, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = kv.Put(key, b)
	return err
}

func getJSON(kv nats.KeyValue, key string, v any) (bool, error) {
	entry, err := kv.Get(key)
	if err == nats.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(entry.Value(), v)
}

func (s *NATSKVStore) PutTask(ctx context.Context, rec TaskRecord) error {
	return putJSON(s.tasks, rec.ID, rec)
}

func (s *NATSKVStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	var rec TaskRecord
	ok, err := getJSON(s.tasks, id, &rec)
	return rec, ok, err
}

func (s *NATSKVStore) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	keys, err := s.tasks.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(keys)
	out := make([]TaskRecord, 0, len(keys))
	for _, k := range keys {
		var rec TaskRecord
		if ok, err := getJSON(s.tasks, k, &rec); err == nil && ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *NATSKVStore) PutStatus(ctx context.Context, rec StatusRecord) error {
	return putJSON(s.status, rec.TaskID, rec)
}

func (s *NATSKVStore) GetStatus(ctx context.Context, taskID string) (StatusRecord, bool, error) {
	var rec StatusRecord
	ok, err := getJSON(s.status, taskID, &rec)
	return rec, ok, err
}

func (s *NATSKVStore) AppendEvent(ctx context.Context, rec EventRecord) error {
	key := fmt.Sprintf("%020d", rec.Index)
	return putJSON(s.events, key, rec)
}

func (s *NATSKVStore) ListEvents(ctx context.Context, since uint64) ([]EventRecord, error) {
	keys, err := s.events.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(keys)
	var out []EventRecord
	sinceKey := fmt.Sprintf("%020d", since)
	for _, k := range keys {
		if strings.Compare(k, sinceKey) < 0 {
			continue
		}
		var rec EventRecord
		if ok, err := getJSON(s.events, k, &rec); err == nil && ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *NATSKVStore) PutMetrics(ctx context.Context, rec MetricsRecord) error {
	return putJSON(s.metrics, rec.TaskID, rec)
}

// snapshotKey is time-ordered (unlike SnapshotID, a random UUID) so
// Keys()+sort gives a correct "latest" without an extra index.
func snapshotKey(rec SnapshotMetadata) string {
	return fmt.Sprintf("%020d_%s", rec.CreatedAt.UTC().UnixNano(), rec.SnapshotID)
}

func (s *NATSKVStore) PutSnapshotMetadata(ctx context.Context, rec SnapshotMetadata) error {
	return putJSON(s.snaps, snapshotKey(rec), rec)
}

func (s *NATSKVStore) LatestSnapshotMetadata(ctx context.Context) (SnapshotMetadata, bool, error) {
	keys, err := s.snaps.Keys()
	if err != nil || len(keys) == 0 {
		return SnapshotMetadata{}, false, nil
	}
	sort.Strings(keys)
	var rec SnapshotMetadata
	ok, err := getJSON(s.snaps, keys[len(keys)-1], &rec)
	return rec, ok, err
}

func (s *NATSKVStore) ListSnapshotMetadata(ctx context.Context) ([]SnapshotMetadata, error) {
	keys, err := s.snaps.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	out := make([]SnapshotMetadata, 0, len(keys))
	for _, k := range keys {
		var rec SnapshotMetadata
		if ok, err := getJSON(s.snaps, k, &rec); err == nil && ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *NATSKVStore) DeleteSnapshotMetadata(ctx context.Context, id string) error {
	keys, err := s.snaps.Keys()
	if err != nil {
		return nil
	}
	for _, k := range keys {
		var rec SnapshotMetadata
		if ok, err := getJSON(s.snaps, k, &rec); err == nil && ok && rec.SnapshotID == id {
			return s.snaps.Delete(k)
		}
	}
	return nil
}

func (s *NATSKVStore) ListByStatus(ctx context.Context, kind string) ([]TaskRecord, error) {
	keys, err := s.status.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	var out []TaskRecord
	for _, k := range keys {
		var st StatusRecord
		if ok, err := getJSON(s.status, k, &st); err != nil || !ok || st.Kind != kind {
			continue
		}
		if rec, ok, err := s.GetTask(ctx, k); err == nil && ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *NATSKVStore) GC(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	keys, err := s.ckpts.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		var rec CheckpointRecord
		if ok, err := getJSON(s.ckpts, k, &rec); err == nil && ok && rec.CreatedAt.Before(cutoff) {
			if err := s.ckpts.Delete(k); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *NATSKVStore) PutCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	key := fmt.Sprintf("%020d", rec.TaskCount)
	return putJSON(s.ckpts, key, rec)
}

func (s *NATSKVStore) LatestCheckpoint(ctx context.Context) (CheckpointRecord, bool, error) {
	keys, err := s.ckpts.Keys()
	if err != nil || len(keys) == 0 {
		return CheckpointRecord{}, false, nil
	}
	sort.Strings(keys)
	var rec CheckpointRecord
	ok, err := getJSON(s.ckpts, keys[len(keys)-1], &rec)
	return rec, ok, err
}

func (s *NATSKVStore) ListCheckpoints(ctx context.Context) ([]CheckpointRecord, error) {
	keys, err := s.ckpts.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	out := make([]CheckpointRecord, 0, len(keys))
	for _, k := range keys {
		var rec CheckpointRecord
		if ok, err := getJSON(s.ckpts, k, &rec); err == nil && ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *NATSKVStore) DeleteCheckpoint(ctx context.Context, id string) error {
	keys, err := s.ckpts.Keys()
	if err != nil {
		return nil
	}
	for _, k := range keys {
		var rec CheckpointRecord
		if ok, err := getJSON(s.ckpts, k, &rec); err == nil && ok && rec.CheckpointID == id {
			return s.ckpts.Delete(k)
		}
	}
	return nil
}

func (s *NATSKVStore) PutBackupOperation(ctx context.Context, rec BackupOperation) error {
	return putJSON(s.backup, rec.OperationID, rec)
}

func (s *NATSKVStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if keys, err := s.tasks.Keys(); err == nil {
		st.TaskCount = len(keys)
	}
	if keys, err := s.events.Keys(); err == nil {
		st.EventCount = len(keys)
	}
	if keys, err := s.metrics.Keys(); err == nil {
		st.MetricsCount = len(keys)
	}
	if keys, err := s.snaps.Keys(); err == nil {
		st.SnapshotCount = len(keys)
	}
	if keys, err := s.ckpts.Keys(); err == nil {
		st.CheckpointCount = len(keys)
	}
	return st, nil
}

func (s *NATSKVStore) Close() error { return nil }
