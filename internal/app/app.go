// Package app wires stores, the event bus, capabilities and workers together
// and runs the workers of the configured mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/miscalibrated/internal/config"
	"github.com/alanyoungcy/miscalibrated/internal/notify"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires all dependencies, starts the workers of the configured mode and
// blocks until ctx is cancelled or a worker fails. After cancellation the
// workers get shutdown_timeout to finish their in-flight records.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, gctx := errgroup.WithContext(ctx)

	switch mode {
	case "ingest":
		err = a.startIngest(gctx, g, deps)
	case "process":
		a.startProcess(gctx, g, deps)
	case "notify":
		a.startNotify(gctx, g, deps)
	case "api":
	case "full":
		if err = a.startIngest(gctx, g, deps); err == nil {
			a.startProcess(gctx, g, deps)
			a.startNotify(gctx, g, deps)
		}
	default:
		err = fmt.Errorf("unsupported mode %q", a.cfg.Mode)
	}
	if err == nil && (mode == "api" || a.cfg.Server.Enabled) {
		a.startAPI(gctx, g, deps)
	}
	if err != nil {
		return fmt.Errorf("app: %s mode: %w", mode, err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(a.cfg.ShutdownTimeout.Duration):
			return fmt.Errorf("app: workers still running after %s", a.cfg.ShutdownTimeout.Duration)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("worker failed", slog.String("error", err.Error()))
		if nerr := deps.Operator.Notify(context.WithoutCancel(ctx), notify.EventError,
			"miscalibrated worker failed", fmt.Sprintf("mode %s: %v", mode, err)); nerr != nil {
			a.logger.Warn("operator notification failed", slog.String("error", nerr.Error()))
		}
		return err
	}
	return context.Canceled
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
