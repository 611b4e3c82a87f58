// Package scheduler enqueues the periodic work: market generation on a cron
// schedule and resolution of expired markets on a fixed sweep interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/jobs"
	"github.com/alanyoungcy/marketforge/internal/queue"
)

// Config configures a Scheduler.
type Config struct {
	GenerateCron   string
	GenerateCount  int
	Timeframe      string
	Categories     []string
	ResolveEvery   time.Duration
	ResolveBatch   int
	RunImmediately bool
}

// Scheduler enqueues generate-market and resolve-market jobs.
type Scheduler struct {
	cfg      Config
	schedule Schedule
	enqueuer jobs.Enqueuer
	markets  domain.MarketStore
	locks    domain.LockManager
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Scheduler. It fails on an unparsable cron expression.
func New(cfg Config, enqueuer jobs.Enqueuer, markets domain.MarketStore, locks domain.LockManager, logger *slog.Logger) (*Scheduler, error) {
	sched, err := ParseCron(cfg.GenerateCron)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if cfg.ResolveEvery <= 0 {
		cfg.ResolveEvery = time.Minute
	}
	if cfg.ResolveBatch <= 0 {
		cfg.ResolveBatch = 100
	}
	return &Scheduler{
		cfg:      cfg,
		schedule: sched,
		enqueuer: enqueuer,
		markets:  markets,
		locks:    locks,
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      time.Now,
	}, nil
}

// Run drives both loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler starting",
		slog.String("generate_cron", s.schedule.String()),
		slog.Duration("resolve_every", s.cfg.ResolveEvery),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runGenerate(ctx) })
	g.Go(func() error { return s.runResolve(ctx) })

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "scheduler stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.InfoContext(ctx, "scheduler stopped")
	return nil
}

func (s *Scheduler) runGenerate(ctx context.Context) error {
	if s.cfg.RunImmediately {
		s.logEnqueueErr(ctx, s.EnqueueGeneration(ctx))
	}
	for {
		next, err := s.schedule.Next(s.now())
		if err != nil {
			return err
		}
		wait := next.Sub(s.now())
		s.logger.DebugContext(ctx, "next generation run", slog.Time("at", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.logEnqueueErr(ctx, s.EnqueueGeneration(ctx))
		}
	}
}

func (s *Scheduler) logEnqueueErr(ctx context.Context, err error) {
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "enqueue generation failed", slog.String("error", err.Error()))
	}
}

// EnqueueGeneration enqueues one generate-market job.
func (s *Scheduler) EnqueueGeneration(ctx context.Context) error {
	job, err := s.enqueuer.Enqueue(ctx, jobs.GenerateMarket, jobs.GenerateMarketPayload{
		Count:      s.cfg.GenerateCount,
		Timeframe:  s.cfg.Timeframe,
		Categories: s.cfg.Categories,
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.logger.InfoContext(ctx, "generation enqueued",
		slog.String("job_id", job.ID),
		slog.Int("count", s.cfg.GenerateCount),
	)
	return nil
}

func (s *Scheduler) runResolve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ResolveEvery)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "resolve sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep enqueues a resolve-market job for every expired, unresolved market
// whose resolve-enqueue lock it wins. The lock is left to expire after one
// interval, so replicas sweeping concurrently enqueue each market once per
// interval. It returns the number of jobs enqueued.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.markets.ListExpiredUnresolved(ctx, s.now(), s.cfg.ResolveBatch)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list expired markets: %w", err)
	}

	enqueued := 0
	for _, m := range due {
		if _, err := s.locks.Acquire(ctx, "resolve-enqueue:"+m.ID, s.cfg.ResolveEvery); err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				continue
			}
			return enqueued, fmt.Errorf("scheduler: lock market %s: %w", m.ID, err)
		}
		if _, err := s.enqueuer.Enqueue(ctx, jobs.ResolveMarket, jobs.ResolveMarketPayload{MarketID: m.ID},
			queue.WithMaxAttempts(5)); err != nil {
			return enqueued, fmt.Errorf("scheduler: enqueue resolve %s: %w", m.ID, err)
		}
		enqueued++
	}
	if enqueued > 0 {
		s.logger.InfoContext(ctx, "resolutions enqueued",
			slog.Int("due", len(due)),
			slog.Int("enqueued", enqueued),
		)
	}
	return enqueued, nil
}
