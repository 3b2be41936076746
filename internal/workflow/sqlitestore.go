package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/qualitrace/model"
)

// SQLiteSchema creates the snapshot table.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS workflow_snapshots (
	batch_id   TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteSnapshotStore is a single-file SnapshotStore for standalone
// deployments, backed by the pure-Go modernc.org/sqlite driver.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// OpenSQLiteSnapshotStore opens (or creates) the database at path and applies
// the schema.
func OpenSQLiteSnapshotStore(ctx context.Context, path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps the version check and the write in the same connection.
	db.SetMaxOpenConns(1)

	s := NewSQLiteSnapshotStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSnapshotStore wraps an open database handle.
func NewSQLiteSnapshotStore(db *sql.DB) *SQLiteSnapshotStore {
	return &SQLiteSnapshotStore{db: db}
}

// Migrate creates the snapshot table if it does not exist.
func (s *SQLiteSnapshotStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("migrate workflow_snapshots: %w", err)
	}
	return nil
}

// Load retrieves the snapshot for batchID.
func (s *SQLiteSnapshotStore) Load(ctx context.Context, batchID string) (model.WorkflowSnapshot, bool, error) {
	var (
		payload   string
		version   int
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, version, updated_at FROM workflow_snapshots WHERE batch_id = ?`,
		batchID,
	).Scan(&payload, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowSnapshot{}, false, nil
	}
	if err != nil {
		return model.WorkflowSnapshot{}, false, fmt.Errorf("query snapshot %q: %w", batchID, err)
	}

	var snap model.WorkflowSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return model.WorkflowSnapshot{}, false, fmt.Errorf("unmarshal snapshot %q: %w", batchID, err)
	}
	snap.BatchID = batchID
	snap.Version = version
	snap.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return snap, true, nil
}

// Save inserts or updates the snapshot with optimistic locking.
func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap model.WorkflowSnapshot) (model.WorkflowSnapshot, error) {
	out := nextVersion(snap)
	// Stored timestamps have millisecond precision.
	out.UpdatedAt = out.UpdatedAt.Truncate(time.Millisecond)
	payload, err := json.Marshal(out)
	if err != nil {
		return model.WorkflowSnapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	var res sql.Result
	if snap.Version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO workflow_snapshots (batch_id, payload, version, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (batch_id) DO NOTHING`,
			out.BatchID, string(payload), out.Version, out.UpdatedAt.UnixMilli(),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE workflow_snapshots SET payload = ?, version = ?, updated_at = ?
			 WHERE batch_id = ? AND version = ?`,
			string(payload), out.Version, out.UpdatedAt.UnixMilli(),
			out.BatchID, snap.Version,
		)
	}
	if err != nil {
		return model.WorkflowSnapshot{}, fmt.Errorf("save snapshot %q: %w", out.BatchID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return model.WorkflowSnapshot{}, fmt.Errorf("save snapshot %q: %w", out.BatchID, err)
	}
	if affected == 0 {
		return model.WorkflowSnapshot{}, staleWrite(snap.BatchID, snap.Version)
	}
	return out, nil
}

// HealthCheck pings the database.
func (s *SQLiteSnapshotStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}
