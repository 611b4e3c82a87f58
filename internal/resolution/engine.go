// Package resolution decides market outcomes. Each resolution strategy
// variant has its own Resolver; the Engine dispatches on the variant's type
// and writes the verdict at most once.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// ErrUnsupportedStrategy is returned for a strategy type with no resolver.
var ErrUnsupportedStrategy = errors.New("resolution: unsupported strategy")

// Resolver produces a verdict for one strategy variant. It returns an
// error only when its data provider could not be reached; an undecidable
// market is an INVALID verdict.
type Resolver interface {
	Resolve(ctx context.Context, m domain.Market) (domain.Resolution, error)
}

// Outcome is the result of Engine.Resolve. Applied is false when the
// market already had a result, in which case Resolution is the stored one.
type Outcome struct {
	Market     domain.Market
	Resolution domain.Resolution
	Applied    bool
}

// Engine dispatches markets to the resolver of their strategy type.
type Engine struct {
	markets   domain.MarketStore
	resolvers map[domain.StrategyType]Resolver
	logger    *slog.Logger
}

// NewEngine creates an Engine with the given dispatch table.
func NewEngine(markets domain.MarketStore, resolvers map[domain.StrategyType]Resolver, logger *slog.Logger) *Engine {
	return &Engine{
		markets:   markets,
		resolvers: resolvers,
		logger:    logger.With(slog.String("component", "resolution")),
	}
}

// Resolve decides marketID and persists the verdict. Resolving an already
// resolved market is a no-op.
func (e *Engine) Resolve(ctx context.Context, marketID string) (Outcome, error) {
	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolution: load market: %w", err)
	}
	if existing, ok := m.Resolution(); ok {
		e.logger.InfoContext(ctx, "market already resolved",
			slog.String("market_id", marketID),
			slog.String("result", string(existing.Result)),
		)
		return Outcome{Market: m, Resolution: existing}, nil
	}
	if m.Strategy == nil {
		return Outcome{}, fmt.Errorf("%w: market %s has no strategy", ErrUnsupportedStrategy, marketID)
	}

	resolver, ok := e.resolvers[m.Strategy.Type()]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnsupportedStrategy, m.Strategy.Type())
	}

	res, err := resolver.Resolve(ctx, m)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolution: %s resolver for market %s: %w", m.Strategy.Type(), marketID, err)
	}
	if err := res.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("resolution: %s verdict for market %s: %w", m.Strategy.Type(), marketID, err)
	}
	if res.Sources == nil {
		res.Sources = []domain.Source{}
	}

	applied, err := e.markets.UpdateResolution(ctx, marketID, res)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolution: store verdict: %w", err)
	}
	if !applied {
		// Another attempt committed first; report its verdict.
		current, err := e.markets.GetByID(ctx, marketID)
		if err != nil {
			return Outcome{}, fmt.Errorf("resolution: reload market: %w", err)
		}
		stored, _ := current.Resolution()
		e.logger.InfoContext(ctx, "resolution lost race, keeping stored verdict",
			slog.String("market_id", marketID),
			slog.String("result", string(stored.Result)),
		)
		return Outcome{Market: current, Resolution: stored}, nil
	}

	e.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", marketID),
		slog.String("strategy", string(m.Strategy.Type())),
		slog.String("result", string(res.Result)),
		slog.Int("confidence", res.Confidence),
	)
	result := res.Result
	m.Result = &result
	return Outcome{Market: m, Resolution: res, Applied: true}, nil
}

// invalid builds a non-committal verdict.
func invalid(reasoning string, sources ...domain.Source) domain.Resolution {
	if sources == nil {
		sources = []domain.Source{}
	}
	return domain.Resolution{Result: domain.ResultInvalid, Confidence: 0, Reasoning: reasoning, Sources: sources}
}
