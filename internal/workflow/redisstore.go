package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/qualitrace/model"
)

// RedisSnapshotStore is a Redis-backed SnapshotStore. Each snapshot is a JSON
// string under prefix+batchID; saves use WATCH/MULTI so a concurrent writer
// aborts the transaction.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a Redis snapshot store. A zero ttl keeps
// snapshots forever.
func NewRedisSnapshotStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisSnapshotStore) key(batchID string) string {
	return s.prefix + batchID
}

// Load retrieves the snapshot for batchID.
func (s *RedisSnapshotStore) Load(ctx context.Context, batchID string) (model.WorkflowSnapshot, bool, error) {
	return s.get(ctx, s.client, batchID)
}

func (s *RedisSnapshotStore) get(ctx context.Context, c redis.Cmdable, batchID string) (model.WorkflowSnapshot, bool, error) {
	key := s.key(batchID)
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.WorkflowSnapshot{}, false, nil
	}
	if err != nil {
		return model.WorkflowSnapshot{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var snap model.WorkflowSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.WorkflowSnapshot{}, false, fmt.Errorf("unmarshal snapshot %q: %w", key, err)
	}
	return snap, true, nil
}

// Save writes snap if the stored version still matches.
func (s *RedisSnapshotStore) Save(ctx context.Context, snap model.WorkflowSnapshot) (model.WorkflowSnapshot, error) {
	key := s.key(snap.BatchID)
	out := nextVersion(snap)
	data, err := json.Marshal(out)
	if err != nil {
		return model.WorkflowSnapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, found, err := s.get(ctx, tx, snap.BatchID)
		if err != nil {
			return err
		}
		stored := 0
		if found {
			stored = existing.Version
		}
		if stored != snap.Version {
			return versionConflict(snap.BatchID, snap.Version, stored)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return model.WorkflowSnapshot{}, staleWrite(snap.BatchID, snap.Version)
	}
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			return model.WorkflowSnapshot{}, err
		}
		return model.WorkflowSnapshot{}, fmt.Errorf("redis save %q: %w", key, err)
	}
	return out, nil
}

// HealthCheck pings the server.
func (s *RedisSnapshotStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
