package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/qualitrace/internal/config"
	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/internal/session"
	"github.com/pitabwire/qualitrace/internal/transport"
	"github.com/pitabwire/qualitrace/internal/workflow"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the testing workflow HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "qualitrace", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Open the snapshot store.
	store, err := buildSnapshotStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("snapshot store initialization failed", zap.Error(err))
		return err
	}
	defer store.close()

	// Step 3: Load the batch directory.
	directory, fileDirectory, err := buildDirectory(cfg.Batches, logger, metrics)
	if err != nil {
		logger.Error("batch directory initialization failed", zap.Error(err))
		return err
	}

	// Step 4: Build the engine and session manager.
	engine := workflow.NewEngine(directory, store,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithStoreDriver(store.driver),
	)
	sessions := session.NewManager(engine, cfg.Session.IdleTimeout,
		session.WithLogger(logger),
		session.WithMetrics(metrics),
	)

	// Step 5: Build the HTTP router.
	signingKey := os.Getenv(cfg.Identity.SigningKeyEnv)
	if signingKey == "" {
		err := fmt.Errorf("%s environment variable not set", cfg.Identity.SigningKeyEnv)
		logger.Error("session token signing key missing", zap.Error(err))
		return err
	}
	tokens, err := transport.NewTokenIssuer(cfg.Identity, []byte(signingKey))
	if err != nil {
		logger.Error("session token issuer initialization failed", zap.Error(err))
		return err
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Sessions: sessions,
		Tokens:   tokens,
		Batches:  directory,
		Location: buildLocationProvider(cfg.Location),
		Readiness: observability.ReadinessChecks{
			BatchesLoaded: func() bool { return len(directory.List()) > 0 },
			SnapshotStore: store,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 6: Run the server and background tasks until shutdown.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("store_driver", store.driver),
			zap.Int("batches", len(directory.List())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Session.IdleTimeout > 0 && cfg.Session.SweepInterval > 0 {
		g.Go(func() error {
			return sessions.Run(gctx, cfg.Session.SweepInterval)
		})
	}

	if fileDirectory != nil && cfg.Batches.Watch {
		g.Go(func() error {
			return fileDirectory.Watch(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete", zap.Int("open_sessions", sessions.Len()))
	return nil
}
