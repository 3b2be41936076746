package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/qualitrace/model"
)

// SnapshotStore persists one WorkflowSnapshot per batch.
//
// Save applies optimistic locking: snap.Version must equal the version
// currently stored (zero when nothing is stored yet). On success the stored
// copy carries Version+1 and a fresh UpdatedAt, and that copy is returned.
// A mismatch returns a CONFLICT error and stores nothing.
type SnapshotStore interface {
	// Load returns the snapshot for batchID. The boolean is false when no
	// snapshot has been saved for the batch.
	Load(ctx context.Context, batchID string) (model.WorkflowSnapshot, bool, error)

	// Save persists snap under snap.BatchID.
	Save(ctx context.Context, snap model.WorkflowSnapshot) (model.WorkflowSnapshot, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// nextVersion returns the copy of snap that a successful Save stores.
func nextVersion(snap model.WorkflowSnapshot) model.WorkflowSnapshot {
	out := snap.Clone()
	out.Version = snap.Version + 1
	out.UpdatedAt = time.Now().UTC()
	return out
}

func versionConflict(batchID string, expected, stored int) error {
	return model.NewConflictError(
		fmt.Sprintf("snapshot for batch %q version conflict (expected %d, stored %d)", batchID, expected, stored),
	)
}

func staleWrite(batchID string, expected int) error {
	return model.NewConflictError(
		fmt.Sprintf("snapshot for batch %q version conflict (expected %d)", batchID, expected),
	)
}
