package snapshot

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketCheckpoints = []byte("checkpoints")

// LocalCheckpointStore persists incremental checkpoints to an embedded
// bbolt database, kept separate from the durable state store because
// checkpoints are a local, synchronous, high-frequency artifact.
type LocalCheckpointStore struct {
	db *bbolt.DB
}

// OpenLocalCheckpointStore opens (creating if absent) the checkpoint
// database at path.
func OpenLocalCheckpointStore(path string) (*LocalCheckpointStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("taskmesh: open checkpoint store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskmesh: init checkpoint bucket: %w", err)
	}
	return &LocalCheckpointStore{db: db}, nil
}

// Put persists payload under counter (the monotone completed-task
// count), keyed big-endian so bucket iteration stays chronological.
func (c *LocalCheckpointStore) Put(counter uint64, payload []byte) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.Put(counterKey(counter), payload)
	})
}

// Latest returns the highest-counter checkpoint payload, if any.
func (c *LocalCheckpointStore) Latest() (uint64, []byte, bool, error) {
	var counter uint64
	var payload []byte
	var found bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		cur := b.Cursor()
		k, v := cur.Last()
		if k == nil {
			return nil
		}
		found = true
		counter = binary.BigEndian.Uint64(k)
		payload = append([]byte(nil), v...)
		return nil
	})
	return counter, payload, found, err
}

// Since returns every checkpoint payload with counter > from, keyed by
// counter; the map carries no iteration order.
func (c *LocalCheckpointStore) Since(from uint64) (map[uint64][]byte, error) {
	out := make(map[uint64][]byte)
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		cur := b.Cursor()
		for k, v := cur.Seek(counterKey(from + 1)); k != nil; k, v = cur.Next() {
			out[binary.BigEndian.Uint64(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (c *LocalCheckpointStore) Close() error { return c.db.Close() }

func counterKey(counter uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, counter)
	return b
}
