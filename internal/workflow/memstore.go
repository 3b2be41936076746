package workflow

import (
	"context"
	"sync"

	"github.com/pitabwire/qualitrace/model"
)

// MemorySnapshotStore is an in-memory SnapshotStore. Snapshots are lost on
// restart.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]model.WorkflowSnapshot // key: batch ID
}

// NewMemorySnapshotStore creates a new in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string]model.WorkflowSnapshot),
	}
}

// Load returns a copy of the stored snapshot for batchID.
func (s *MemorySnapshotStore) Load(_ context.Context, batchID string) (model.WorkflowSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[batchID]
	if !ok {
		return model.WorkflowSnapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

// Save stores snap if its version matches the stored one.
func (s *MemorySnapshotStore) Save(_ context.Context, snap model.WorkflowSnapshot) (model.WorkflowSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := 0
	if existing, ok := s.snapshots[snap.BatchID]; ok {
		stored = existing.Version
	}
	if stored != snap.Version {
		return model.WorkflowSnapshot{}, versionConflict(snap.BatchID, snap.Version, stored)
	}

	out := nextVersion(snap)
	s.snapshots[snap.BatchID] = out
	return out.Clone(), nil
}

// HealthCheck always succeeds.
func (s *MemorySnapshotStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored snapshots.
func (s *MemorySnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}
