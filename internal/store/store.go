// Package store persists queue snapshots to a key-value medium so queue state
// survives process restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orrn/printqueue/internal/jobs"
)

// DefaultKey is the fixed key snapshots are written under.
const DefaultKey = "print_queue_snapshot"

var (
	// ErrNotFound must be returned by a KV when the key has never been written.
	ErrNotFound = errors.New("store: key not found")
)

// KV is the storage medium a SnapshotStore writes to.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Snapshot is the serialized queue state. Callbacks never survive the trip
// because PrintJob does not encode them.
type Snapshot struct {
	Jobs     []jobs.PrintJob `json:"jobs"`
	IsPaused bool            `json:"isPaused"`
	History  []jobs.PrintJob `json:"history,omitempty"`
	SavedAt  int64           `json:"savedAt,omitempty"`
}

// SnapshotStore encodes snapshots as JSON under a single key of a KV.
type SnapshotStore struct {
	kv  KV
	key string
}

func NewSnapshotStore(kv KV, key string) *SnapshotStore {
	if key == "" {
		key = DefaultKey
	}
	return &SnapshotStore{kv: kv, key: key}
}

// Load returns the last saved snapshot, or nil and no error when nothing has
// been saved yet.
func (s *SnapshotStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snap.SavedAt == 0 {
		snap.SavedAt = jobs.NowMillis()
	}
	if snap.Jobs == nil {
		snap.Jobs = []jobs.PrintJob{}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Key() string { return s.key }
