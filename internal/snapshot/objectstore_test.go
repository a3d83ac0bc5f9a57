package snapshot

import (
	"regexp"
	"testing"
	"time"
)

var keyPattern = regexp.MustCompile(`^taskmesh/snapshot_\d{8}_\d{6}_[0-9a-f-]{36}\.json(\.gz)?$`)

func TestObjectKeyFormat(t *testing.T) {
	at := time.Date(2026, 7, 29, 12, 30, 0, 0, time.UTC)

	compressed := &ObjectStore{cfg: ObjectStoreConfig{KeyPrefix: "taskmesh", Compress: true}}
	key := compressed.Key(at)
	if !keyPattern.MatchString(key) {
		t.Fatalf("unexpected compressed key format: %s", key)
	}
	if got := key[len(key)-3:]; got != ".gz" {
		t.Fatalf("expected compressed key to end .gz, got %s", got)
	}

	plain := &ObjectStore{cfg: ObjectStoreConfig{KeyPrefix: "taskmesh", Compress: false}}
	key = plain.Key(at)
	if !keyPattern.MatchString(key) {
		t.Fatalf("unexpected plain key format: %s", key)
	}
	if got := key[len(key)-3:]; got == ".gz" {
		t.Fatalf("expected uncompressed key not to end .gz, got %s", key)
	}
}

func TestContentType(t *testing.T) {
	if got := contentType(true); got != "application/gzip" {
		t.Fatalf("expected application/gzip, got %s", got)
	}
	if got := contentType(false); got != "application/json" {
		t.Fatalf("expected application/json, got %s", got)
	}
}
