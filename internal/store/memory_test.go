package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreTaskRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := TaskRecord{ID: "t1", Name: "demo", Priority: 50, CreatedAt: time.Now()}
	if err := s.PutTask(ctx, rec); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	got, ok, err := s.GetTask(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if got.Name != "demo" {
		t.Fatalf("expected name demo, got %s", got.Name)
	}
}

func TestMemoryStoreListSnapshotMetadataNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"s1", "s2", "s3"} {
		rec := SnapshotMetadata{SnapshotID: id, ObjectKey: id + ".json", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.PutSnapshotMetadata(ctx, rec); err != nil {
			t.Fatalf("PutSnapshotMetadata: %v", err)
		}
	}
	all, err := s.ListSnapshotMetadata(ctx)
	if err != nil {
		t.Fatalf("ListSnapshotMetadata: %v", err)
	}
	if len(all) != 3 || all[0].SnapshotID != "s3" || all[2].SnapshotID != "s1" {
		t.Fatalf("expected newest-first [s3 s2 s1], got %v", all)
	}

	if err := s.DeleteSnapshotMetadata(ctx, "s2"); err != nil {
		t.Fatalf("DeleteSnapshotMetadata: %v", err)
	}
	remaining, err := s.ListSnapshotMetadata(ctx)
	if err != nil {
		t.Fatalf("ListSnapshotMetadata: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 snapshots after delete, got %d", len(remaining))
	}
	for _, rec := range remaining {
		if rec.SnapshotID == "s2" {
			t.Fatal("s2 should have been deleted")
		}
	}
}

func TestMemoryStoreListByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.PutTask(ctx, TaskRecord{ID: "t1", Name: "a"}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	if err := s.PutTask(ctx, TaskRecord{ID: "t2", Name: "b"}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	if err := s.PutStatus(ctx, StatusRecord{TaskID: "t1", Kind: "completed"}); err != nil {
		t.Fatalf("PutStatus: %v", err)
	}
	if err := s.PutStatus(ctx, StatusRecord{TaskID: "t2", Kind: "failed"}); err != nil {
		t.Fatalf("PutStatus: %v", err)
	}

	completed, err := s.ListByStatus(ctx, "completed")
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "t1" {
		t.Fatalf("expected only t1 as completed, got %v", completed)
	}
}

func TestMemoryStoreGCRemovesOnlyStaleCheckpoints(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := CheckpointRecord{CheckpointID: "old", TaskCount: 1, CreatedAt: time.Now().AddDate(0, 0, -60)}
	recent := CheckpointRecord{CheckpointID: "recent", TaskCount: 2, CreatedAt: time.Now()}
	if err := s.PutCheckpoint(ctx, old); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	if err := s.PutCheckpoint(ctx, recent); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	removed, err := s.GC(ctx, 30)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 stale checkpoint removed, got %d", removed)
	}
	remaining, err := s.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(remaining) != 1 || remaining[0].CheckpointID != "recent" {
		t.Fatalf("expected only the recent checkpoint to remain, got %v", remaining)
	}
}

func TestMemoryStoreLatestCheckpoint(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		if err := s.PutCheckpoint(ctx, CheckpointRecord{CheckpointID: "c", TaskCount: i, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("PutCheckpoint: %v", err)
		}
	}
	latest, ok, err := s.LatestCheckpoint(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestCheckpoint: ok=%v err=%v", ok, err)
	}
	if latest.TaskCount != 3 {
		t.Fatalf("expected task count 3, got %d", latest.TaskCount)
	}
}
