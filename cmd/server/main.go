package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dandantas/reelforge/internal/app"
	"github.com/dandantas/reelforge/internal/config"
	"github.com/dandantas/reelforge/internal/handler"
	"github.com/dandantas/reelforge/internal/orchestrator"
	"github.com/dandantas/reelforge/internal/recovery"
	"github.com/dandantas/reelforge/pkg/middleware"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	slog.Info("Starting reelforge orchestrator", "version", version, "environment", cfg.Environment)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := stores.Close(context.Background()); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	pipeline, err := app.Build(ctx, cfg, stores)
	if err != nil {
		slog.Error("Failed to build pipeline", "error", err)
		os.Exit(1)
	}

	// events outlive the worker context so the final job updates are delivered
	pipeline.Publisher.Start(context.WithoutCancel(ctx))

	// Consumers
	pool := orchestrator.NewWorkerPool(pipeline.Orchestrator, cfg.WorkerPoolSize, cfg.QueuePollInterval)
	pool.Start(ctx)

	// Scheduled recovery
	var sweeper *recovery.Sweeper
	if cfg.RecoveryEnabled {
		sweeper, err = recovery.NewSweeper(pipeline.Inspector, cfg.RecoverySchedule)
		if err != nil {
			slog.Error("Failed to create recovery sweeper", "error", err)
			os.Exit(1)
		}
		sweeper.Start(ctx)
	} else {
		slog.Info("Recovery sweeper is disabled by configuration")
	}

	router := handler.NewRouter(
		handler.NewJobHandler(stores.Jobs, stores.Stages, stores.Costs, pipeline.Queue, pipeline.Orchestrator),
		handler.NewDiagnosticsHandler(pipeline.Queue, pipeline.Inspector, sweeper),
		handler.NewHealthHandler(stores.Pinger, stores.Backend, cfg.Environment, version),
		middleware.CORSConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: cfg.CORSAllowedMethods,
			AllowedHeaders: cfg.CORSAllowedHeaders,
		},
	)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting requests first so no new regeneration starts
	slog.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}

	// Interrupted jobs go back to the backlog
	slog.Info("Stopping workers...")
	cancel()
	pool.Stop()

	waitRegenerations(shutdownCtx, pipeline.Orchestrator)
	pipeline.Publisher.Stop(shutdownCtx)

	slog.Info("reelforge orchestrator stopped")
}

func waitRegenerations(ctx context.Context, o *orchestrator.Orchestrator) {
	done := make(chan struct{})
	go func() {
		o.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timeout waiting for regenerations; recovery will fail them once stale")
	}
}
