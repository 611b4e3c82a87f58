package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketforge/internal/scheduler"
	"github.com/alanyoungcy/marketforge/internal/server"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
)

// WorkerMode runs every queue worker plus the stale-job reaper.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering worker mode")

	g, gctx := errgroup.WithContext(ctx)
	st, err := a.startWorkers(gctx, g, deps)
	if err != nil {
		return err
	}
	a.startServer(gctx, g, deps, st)
	return g.Wait()
}

// SchedulerMode only enqueues: generation on the cron schedule and resolution
// sweeps on the configured interval.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering scheduler mode")

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startScheduler(gctx, g, deps); err != nil {
		return err
	}
	a.startServer(gctx, g, deps, nil)
	return g.Wait()
}

// FullMode runs workers and scheduler in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering full mode")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startScheduler(gctx, g, deps); err != nil {
		return err
	}
	st, err := a.startWorkers(gctx, g, deps)
	if err != nil {
		// Stop the scheduler already running in g before returning.
		cancel()
		_ = g.Wait()
		return err
	}
	a.startServer(gctx, g, deps, st)
	return g.Wait()
}

func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*Settlement, error) {
	st, closeLedger, err := WireSettlement(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, closeLedger)

	if _, err := WireHandlers(a.cfg, deps, st, a.logger); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	g.Go(func() error {
		return deps.Runtime.Run(ctx)
	})
	return st, nil
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	sc := a.cfg.Scheduler
	s, err := scheduler.New(scheduler.Config{
		GenerateCron:   sc.GenerateCron,
		GenerateCount:  sc.GenerateCount,
		Timeframe:      sc.Timeframe,
		Categories:     sc.Categories,
		ResolveEvery:   sc.ResolveInterval.Duration,
		ResolveBatch:   sc.ResolveBatch,
		RunImmediately: sc.RunOnStart,
	}, deps.Runtime, deps.MarketStore, deps.LockManager, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	g.Go(func() error {
		return s.Run(ctx)
	})
	return nil
}

// startServer runs the ops HTTP server when enabled. Claim routes are only
// mounted when st is non-nil. The server shuts down gracefully when ctx is
// cancelled.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, st *Settlement) {
	if !a.cfg.Server.Enabled {
		return
	}

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.logger),
		Jobs:     handler.NewJobHandler(deps.JobStore, deps.Runtime.Queues(), a.logger),
		Triggers: handler.NewTriggerHandler(deps.Runtime, a.logger),
		Events:   handler.NewEventsHandler(deps.AuditStore, deps.SignalBus, a.logger),
		Metrics:  promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}
	if st != nil {
		handlers.Claims = handler.NewClaimHandler(st.Claims, a.logger)
	}

	srv := server.NewServer(server.Config{
		Addr:               a.cfg.Server.Addr,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
