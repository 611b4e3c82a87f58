// Package generation turns research on trending topics into validated
// market records.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

const (
	minTitleLen = 10
	maxTitleLen = 200
	// maxCount bounds a single generation request.
	maxCount = 20
)

// TrendingConfig selects the categories to research.
type TrendingConfig struct {
	Categories []string
}

// GenerateInput is the input of GenerateAndInsertMarkets.
type GenerateInput struct {
	Count          int
	Timeframe      string
	TrendingTopics string
}

// GenerateResult lists the inserted markets and how many candidates were
// dropped for failing validation.
type GenerateResult struct {
	Markets []domain.Market
	Dropped int
}

// Pipeline runs the two generation stages.
type Pipeline struct {
	ai      domain.AIClient
	markets domain.MarketStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(ai domain.AIClient, markets domain.MarketStore, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		ai:      ai,
		markets: markets,
		logger:  logger.With(slog.String("component", "generation")),
		now:     time.Now,
	}
}

// GetTrendingTopics returns the AI research digest for cfg's categories.
// All known categories are researched when none are given.
func (p *Pipeline) GetTrendingTopics(ctx context.Context, cfg TrendingConfig) (string, error) {
	categories := cfg.Categories
	if len(categories) == 0 {
		categories = domain.Categories
	}
	for _, c := range categories {
		if !domain.ValidCategory(c) {
			return "", fmt.Errorf("generation: trending topics: %w", domain.Invalid("category", fmt.Sprintf("unknown category %q", c)))
		}
	}

	digest, err := p.ai.Research(ctx, researchPrompt(categories, p.now()))
	if err != nil {
		return "", fmt.Errorf("generation: trending topics: %w", err)
	}
	p.logger.InfoContext(ctx, "trending topics researched",
		slog.Int("categories", len(categories)),
		slog.Int("digest_len", len(digest)),
	)
	return digest, nil
}

// candidate is one market as emitted by the AI.
type candidate struct {
	Title              string                `json:"title"`
	Description        string                `json:"description"`
	Category           string                `json:"category"`
	Duration           domain.MarketDuration `json:"duration"`
	ResolutionCriteria string                `json:"resolutionCriteria"`
	ResolutionStrategy json.RawMessage       `json:"resolutionStrategy"`
}

type candidates struct {
	Markets []candidate `json:"markets"`
}

// GenerateAndInsertMarkets asks the AI for in.Count candidates, drops the
// ones that fail validation and inserts the rest in one batch. Candidates
// beyond in.Count are ignored. When every candidate is invalid it returns
// an empty result and no error.
func (p *Pipeline) GenerateAndInsertMarkets(ctx context.Context, in GenerateInput) (GenerateResult, error) {
	if in.Count <= 0 || in.Count > maxCount {
		return GenerateResult{}, fmt.Errorf("generation: %w", domain.Invalid("count", fmt.Sprintf("must be within 1-%d", maxCount)))
	}

	now := p.now().UTC()
	var out candidates
	err := p.ai.GenerateStructured(ctx, domain.StructuredRequest{
		Name:   "prediction_markets",
		System: systemPrompt,
		User:   generatePrompt(in, now),
		Schema: marketsSchema(),
	}, &out)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("generation: generate markets: %w", err)
	}

	cands := out.Markets
	if len(cands) > in.Count {
		p.logger.WarnContext(ctx, "ai returned extra candidates",
			slog.Int("requested", in.Count),
			slog.Int("returned", len(cands)),
		)
		cands = cands[:in.Count]
	}

	var (
		valid   []domain.Market
		dropped int
	)
	for i, c := range cands {
		m, err := c.toMarket(now)
		if err != nil {
			dropped++
			p.logger.WarnContext(ctx, "dropping invalid candidate",
				slog.Int("index", i),
				slog.String("title", c.Title),
				slog.String("error", err.Error()),
			)
			continue
		}
		valid = append(valid, m)
	}

	if len(valid) == 0 {
		p.logger.WarnContext(ctx, "no valid market candidates", slog.Int("dropped", dropped))
		return GenerateResult{Dropped: dropped}, nil
	}

	inserted, err := p.markets.InsertMarkets(ctx, valid)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("generation: insert markets: %w", err)
	}
	p.logger.InfoContext(ctx, "markets generated",
		slog.Int("inserted", len(inserted)),
		slog.Int("dropped", dropped),
	)
	return GenerateResult{Markets: inserted, Dropped: dropped}, nil
}

// toMarket validates c and builds a new market opened at now.
func (c candidate) toMarket(now time.Time) (domain.Market, error) {
	title := strings.TrimSpace(c.Title)
	if n := utf8.RuneCountInString(title); n < minTitleLen || n > maxTitleLen {
		return domain.Market{}, domain.Invalid("title", fmt.Sprintf("length must be within %d-%d", minTitleLen, maxTitleLen))
	}
	if strings.TrimSpace(c.Description) == "" {
		return domain.Market{}, domain.Invalid("description", "required")
	}
	if !domain.ValidCategory(c.Category) {
		return domain.Market{}, domain.Invalid("category", fmt.Sprintf("unknown category %q", c.Category))
	}
	if err := c.Duration.Validate(); err != nil {
		return domain.Market{}, err
	}
	if strings.TrimSpace(c.ResolutionCriteria) == "" {
		return domain.Market{}, domain.Invalid("resolutionCriteria", "required")
	}
	if len(c.ResolutionStrategy) == 0 {
		return domain.Market{}, domain.Invalid("resolutionStrategy", "required")
	}
	strategy, err := domain.DecodeStrategy(c.ResolutionStrategy)
	if err != nil {
		return domain.Market{}, err
	}
	if err := strategy.Validate(); err != nil {
		return domain.Market{}, err
	}

	return domain.Market{
		ID:                 uuid.NewString(),
		Title:              title,
		Description:        strings.TrimSpace(c.Description),
		Category:           c.Category,
		Duration:           c.Duration,
		ResolutionCriteria: strings.TrimSpace(c.ResolutionCriteria),
		Strategy:           strategy,
		ExpiresAt:          c.Duration.ExpiresAt(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}
