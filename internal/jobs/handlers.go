package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/generation"
	"github.com/alanyoungcy/marketforge/internal/queue"
	"github.com/alanyoungcy/marketforge/internal/resolution"
)

// Enqueuer records follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload queue.Payload, opts ...queue.EnqueueOption) (domain.Job, error)
}

// Generator is the market generation pipeline.
type Generator interface {
	GetTrendingTopics(ctx context.Context, cfg generation.TrendingConfig) (string, error)
	GenerateAndInsertMarkets(ctx context.Context, in generation.GenerateInput) (generation.GenerateResult, error)
}

// Resolver decides and persists a market's verdict.
type Resolver interface {
	Resolve(ctx context.Context, marketID string) (resolution.Outcome, error)
}

// Decrypter runs one decrypt-totals attempt and escalates failed jobs.
type Decrypter interface {
	Handle(ctx context.Context, state domain.EncryptedBalanceJobState) error
	OnFailed(ctx context.Context, job domain.Job, err error)
}

// Deps are the collaborators of the job handlers.
type Deps struct {
	Generator   Generator
	Resolver    Resolver
	Decrypter   Decrypter
	Markets     domain.MarketStore
	Settlements domain.SettlementStore
	Profiles    domain.ProfileStore
	Storage     domain.StorageClient
	AI          domain.AIClient
	Alerter     domain.Alerter
	Enqueuer    Enqueuer
	Logger      *slog.Logger
}

// Handlers implements the handler of every queue.
type Handlers struct {
	Deps
	logger *slog.Logger
}

// NewHandlers creates the job handlers.
func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{Deps: deps, logger: logger.With(slog.String("component", "jobs"))}
}

// GenerateMarket researches trending topics, generates and inserts markets
// and schedules a cover image for each one.
func (h *Handlers) GenerateMarket(ctx context.Context, job domain.Job, p GenerateMarketPayload) error {
	topics, err := h.Generator.GetTrendingTopics(ctx, generation.TrendingConfig{Categories: p.Categories})
	if err != nil {
		return permanentIfInvalid(fmt.Errorf("jobs: generate: %w", err))
	}

	res, err := h.Generator.GenerateAndInsertMarkets(ctx, generation.GenerateInput{
		Count:          p.Count,
		Timeframe:      p.Timeframe,
		TrendingTopics: topics,
	})
	if err != nil {
		return permanentIfInvalid(fmt.Errorf("jobs: generate: %w", err))
	}

	log := h.logger.With(slog.String("job_id", job.ID))
	if len(res.Markets) == 0 {
		// Health signal only; the job itself succeeded.
		log.WarnContext(ctx, "generation produced no markets",
			slog.Int("requested", p.Count),
			slog.Int("dropped", res.Dropped),
		)
		return nil
	}
	log.InfoContext(ctx, "markets generated",
		slog.Int("inserted", len(res.Markets)),
		slog.Int("dropped", res.Dropped),
	)

	// The markets are committed; a failed image enqueue must not re-run
	// generation.
	for _, m := range res.Markets {
		_, err := h.Enqueuer.Enqueue(ctx, GenerateMarketImage, MarketImagePayload{MarketID: m.ID},
			queue.WithJobID(GenerateMarketImage+":"+m.ID))
		if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			log.WarnContext(ctx, "enqueue market image failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// ResolveMarket resolves one market and starts its settlement. YES/NO
// verdicts on deployed markets enqueue decrypt-totals at attempt 0; an
// INVALID verdict freezes settlement and flags the market for review.
func (h *Handlers) ResolveMarket(ctx context.Context, job domain.Job, p ResolveMarketPayload) error {
	out, err := h.Resolver.Resolve(ctx, p.MarketID)
	if err != nil {
		if errors.Is(err, resolution.ErrUnsupportedStrategy) || errors.Is(err, domain.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("jobs: resolve: %w", err))
		}
		return permanentIfInvalid(fmt.Errorf("jobs: resolve: %w", err))
	}

	log := h.logger.With(
		slog.String("job_id", job.ID),
		slog.String("market_id", p.MarketID),
		slog.String("result", string(out.Resolution.Result)),
		slog.Bool("applied", out.Applied),
	)

	// Follow-ups run on every delivery so a retry after a partial failure
	// still completes them; each step is idempotent.
	if out.Resolution.Result == domain.ResultInvalid {
		return h.holdInvalid(ctx, log, out)
	}

	if out.Market.OnChainID == nil {
		log.InfoContext(ctx, "market not deployed on ledger, nothing to settle")
		return nil
	}
	state := domain.EncryptedBalanceJobState{
		MarketID:        p.MarketID,
		OnChainMarketID: *out.Market.OnChainID,
		Attempt:         0,
	}
	_, err = h.Enqueuer.Enqueue(ctx, DecryptTotals, state, queue.WithJobID(DecryptTotals+":"+p.MarketID))
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("jobs: enqueue decrypt-totals: %w", err)
	}
	log.InfoContext(ctx, "settlement scheduled", slog.Int64("on_chain_id", state.OnChainMarketID))
	return nil
}

func (h *Handlers) holdInvalid(ctx context.Context, log *slog.Logger, out resolution.Outcome) error {
	id := out.Market.ID
	reason := "INVALID verdict: " + out.Resolution.Reasoning
	if err := h.Settlements.Freeze(ctx, id, reason); err != nil {
		return fmt.Errorf("jobs: freeze settlement: %w", err)
	}
	if err := h.Markets.FlagForReview(ctx, id, reason); err != nil {
		return fmt.Errorf("jobs: flag market: %w", err)
	}
	log.WarnContext(ctx, "market resolved INVALID, settlement frozen for review")

	if out.Applied && h.Alerter != nil {
		msg := fmt.Sprintf("market %s (%s): %s", id, out.Market.Title, out.Resolution.Reasoning)
		if err := h.Alerter.Notify(ctx, "market_invalid", "Market needs manual review", msg); err != nil {
			log.WarnContext(ctx, "invalid market alert failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// DecryptTotals runs one settlement attempt.
func (h *Handlers) DecryptTotals(ctx context.Context, _ domain.Job, state domain.EncryptedBalanceJobState) error {
	return h.Decrypter.Handle(ctx, state)
}

// permanentIfInvalid stops retries of errors that cannot succeed on retry.
func permanentIfInvalid(err error) error {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return queue.Permanent(err)
	}
	return err
}
