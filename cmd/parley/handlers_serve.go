package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/gateway"
	"github.com/haasonsaas/parley/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads the config, assembles the application and runs it until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting parley",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	lock, err := gateway.AcquireInstanceLock(gateway.LockOptions{
		StateDir: cfg.Server.StateDir,
		Key:      cfg.Database.Driver + ":" + cfg.Database.DSN,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrLockHeld) {
			return fmt.Errorf("another parley instance is using this database: %w", err)
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release instance lock", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer stopCancel()
		_ = a.stop(stopCtx) //nolint:errcheck
		return err
	}

	logger.Info("parley started", "http_addr", a.server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("parley stopped gracefully")
	return nil
}
