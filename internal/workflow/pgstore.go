package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/qualitrace/model"
)

// PgSchema creates the snapshot table.
const PgSchema = `
CREATE TABLE IF NOT EXISTS workflow_snapshots (
	batch_id   TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PgSnapshotStore is a PostgreSQL-backed SnapshotStore using pgx/v5.
type PgSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewPgSnapshotStore creates a new PostgreSQL snapshot store.
func NewPgSnapshotStore(pool *pgxpool.Pool) *PgSnapshotStore {
	return &PgSnapshotStore{pool: pool}
}

// Migrate creates the snapshot table if it does not exist.
func (s *PgSnapshotStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("migrate workflow_snapshots: %w", err)
	}
	return nil
}

// Load retrieves the snapshot for batchID.
func (s *PgSnapshotStore) Load(ctx context.Context, batchID string) (model.WorkflowSnapshot, bool, error) {
	var (
		payload   []byte
		version   int
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT payload, version, updated_at
		FROM workflow_snapshots
		WHERE batch_id = $1`,
		batchID,
	).Scan(&payload, &version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowSnapshot{}, false, nil
	}
	if err != nil {
		return model.WorkflowSnapshot{}, false, fmt.Errorf("query snapshot %q: %w", batchID, err)
	}

	var snap model.WorkflowSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return model.WorkflowSnapshot{}, false, fmt.Errorf("unmarshal snapshot %q: %w", batchID, err)
	}
	snap.BatchID = batchID
	snap.Version = version
	snap.UpdatedAt = updatedAt.UTC()
	return snap, true, nil
}

// Save inserts the first version of a snapshot or updates an existing one
// with optimistic locking.
func (s *PgSnapshotStore) Save(ctx context.Context, snap model.WorkflowSnapshot) (model.WorkflowSnapshot, error) {
	out, payload, err := pgEncode(snap)
	if err != nil {
		return model.WorkflowSnapshot{}, err
	}

	var affected int64
	if snap.Version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO workflow_snapshots (batch_id, payload, version, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (batch_id) DO NOTHING`,
			out.BatchID, payload, out.Version, out.UpdatedAt,
		)
		if err != nil {
			return model.WorkflowSnapshot{}, fmt.Errorf("insert snapshot %q: %w", out.BatchID, err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := s.pool.Exec(ctx, `
			UPDATE workflow_snapshots SET
				payload = $1,
				version = $2,
				updated_at = $3
			WHERE batch_id = $4 AND version = $5`,
			payload, out.Version, out.UpdatedAt,
			out.BatchID, snap.Version,
		)
		if err != nil {
			return model.WorkflowSnapshot{}, fmt.Errorf("update snapshot %q: %w", out.BatchID, err)
		}
		affected = tag.RowsAffected()
	}

	if affected == 0 {
		return model.WorkflowSnapshot{}, staleWrite(snap.BatchID, snap.Version)
	}
	return out, nil
}

// pgEncode stamps the next version of snap and marshals it. UpdatedAt is
// truncated to TIMESTAMPTZ resolution so a loaded snapshot matches the saved
// one.
func pgEncode(snap model.WorkflowSnapshot) (model.WorkflowSnapshot, []byte, error) {
	out := nextVersion(snap)
	out.UpdatedAt = out.UpdatedAt.Truncate(time.Microsecond)
	payload, err := json.Marshal(out)
	if err != nil {
		return model.WorkflowSnapshot{}, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return out, payload, nil
}

// HealthCheck pings the pool.
func (s *PgSnapshotStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
