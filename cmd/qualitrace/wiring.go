package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/qualitrace/internal/batch"
	"github.com/pitabwire/qualitrace/internal/config"
	"github.com/pitabwire/qualitrace/internal/location"
	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/internal/workflow"
)

// storeHandle is a snapshot store together with the function that releases
// its connections.
type storeHandle struct {
	workflow.SnapshotStore
	driver string
	close  func()
}

// buildSnapshotStore opens the snapshot store selected by cfg.Driver.
func buildSnapshotStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*storeHandle, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory snapshot store; progress is lost on restart")
		return &storeHandle{SnapshotStore: workflow.NewMemorySnapshotStore(), driver: "memory", close: func() {}}, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("snapshot store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("snapshot store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("snapshot store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("snapshot store: ping: %w", err)
		}
		store := workflow.NewPgSnapshotStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
		logger.Info("using postgres snapshot store")
		return &storeHandle{SnapshotStore: store, driver: "postgres", close: pool.Close}, nil

	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("snapshot store: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("snapshot store: ping redis: %w", err)
		}
		logger.Info("using redis snapshot store", zap.String("key_prefix", cfg.Redis.KeyPrefix))
		store := workflow.NewRedisSnapshotStore(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL)
		return &storeHandle{SnapshotStore: store, driver: "redis", close: func() { client.Close() }}, nil

	case "sqlite":
		store, err := workflow.OpenSQLiteSnapshotStore(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
		logger.Info("using sqlite snapshot store", zap.String("path", cfg.Path))
		return &storeHandle{SnapshotStore: store, driver: "sqlite", close: func() { store.Close() }}, nil

	default:
		return nil, fmt.Errorf("unsupported snapshot store driver: %q", cfg.Driver)
	}
}

// buildDirectory returns the batch directory. The file directory is also
// returned so the caller can watch it.
func buildDirectory(cfg config.BatchesConfig, logger *zap.Logger, metrics *observability.Metrics) (batch.Directory, *batch.FileDirectory, error) {
	if cfg.File == "" {
		return batch.NewStaticDirectory(cfg.Eligible...), nil, nil
	}
	file, err := batch.LoadFileDirectory(cfg.File, batch.WithLogger(logger), batch.WithMetrics(metrics))
	if err != nil {
		return nil, nil, fmt.Errorf("batch directory: %w", err)
	}
	return file, file, nil
}

// buildLocationProvider returns the server-side provider, or nil when the
// client reports its own position.
func buildLocationProvider(cfg config.LocationConfig) location.Provider {
	if cfg.Provider == "static" {
		return location.NewStatic(cfg.Static.Lat, cfg.Static.Lng)
	}
	return nil
}
