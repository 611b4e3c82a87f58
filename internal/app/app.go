// Package app provides the top-level lifecycle of the marketforge backend. It
// wires stores, queue runtime, providers and settlement, then starts the
// goroutines of the configured mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marketforge/internal/config"
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
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, selects the operating mode and blocks until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case config.ModeWorker:
		return a.WorkerMode(ctx, deps)
	case config.ModeScheduler:
		return a.SchedulerMode(ctx, deps)
	case config.ModeFull:
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Claim submits a payout claim for wallet on marketID and returns the
// transaction hash.
func (a *App) Claim(ctx context.Context, wallet, marketID string) (string, error) {
	if wallet == "" || marketID == "" {
		return "", errors.New("app: claim needs a wallet and a market id")
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return "", fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	st, closeLedger, err := WireSettlement(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return "", fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, closeLedger)

	tx, err := st.Claims.Claim(ctx, wallet, marketID)
	if err != nil {
		return "", fmt.Errorf("app: claim: %w", err)
	}
	return tx, nil
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
