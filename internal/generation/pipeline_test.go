package generation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/testutil"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func priceCandidate(title string) map[string]any {
	return map[string]any{
		"title":              title,
		"description":        "Resolves on the CoinGecko spot price at close.",
		"category":           "crypto",
		"duration":           map[string]any{"value": 7, "unit": "days"},
		"resolutionCriteria": "YES if BTC trades at or above $50,000 at close.",
		"resolutionStrategy": map[string]any{
			"type": "PRICE", "provider": "coingecko", "coinId": "bitcoin", "operator": ">=", "threshold": 50000,
		},
	}
}

func sportsCandidate() map[string]any {
	return map[string]any{
		"title":              "Will Arsenal win their next Premier League match?",
		"description":        "Next EPL fixture for Arsenal.",
		"category":           "sports",
		"duration":           map[string]any{"value": 2, "unit": "weeks"},
		"resolutionCriteria": "YES if Arsenal win.",
		"resolutionStrategy": map[string]any{
			"type": "SPORTS", "provider": "thesportsdb", "sport": "epl", "teamId": nil,
			"teamName": "Arsenal", "outcome": "win",
		},
	}
}

func newPipeline(ai domain.AIClient, store domain.MarketStore) *Pipeline {
	p := NewPipeline(ai, store, testutil.Logger())
	p.now = func() time.Time { return fixedNow }
	return p
}

func TestGenerateAndInsertMarkets_DropsInvalidCandidates(t *testing.T) {
	invalid := priceCandidate("Will BTC hit $50k?")
	invalid["resolutionStrategy"] = map[string]any{"type": "PRICE", "provider": "coingecko", "coinId": "bitcoin", "operator": "==", "threshold": 50000}

	ai := &testutil.AI{Structured: map[string]any{"markets": []any{
		priceCandidate("Will Bitcoin close the week above $50,000?"),
		invalid,
		sportsCandidate(),
	}}}
	store := testutil.NewMarketStore()

	res, err := newPipeline(ai, store).GenerateAndInsertMarkets(context.Background(), GenerateInput{
		Count: 3, Timeframe: "1-14 days", TrendingTopics: "crypto: ETF inflows",
	})
	require.NoError(t, err)
	require.Len(t, res.Markets, 2)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, store.Inserts, "valid candidates are inserted in one batch")

	btc := res.Markets[0]
	assert.NotEmpty(t, btc.ID)
	assert.Equal(t, fixedNow.AddDate(0, 0, 7), btc.ExpiresAt)
	assert.Equal(t, domain.PriceStrategy{Provider: "coingecko", CoinID: "bitcoin", Operator: domain.OpGTE, Threshold: 50000}, btc.Strategy)

	sports, ok := res.Markets[1].Strategy.(domain.SportsStrategy)
	require.True(t, ok)
	assert.Empty(t, sports.TeamID)
	assert.Equal(t, fixedNow.AddDate(0, 0, 14), res.Markets[1].ExpiresAt)

	stored, err := store.GetByID(context.Background(), btc.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Result)

	require.Len(t, ai.Requests, 1)
	assert.Equal(t, "prediction_markets", ai.Requests[0].Name)
	assert.Contains(t, ai.Requests[0].User, "exactly 3")
}

func TestGenerateAndInsertMarkets_IgnoresExtras(t *testing.T) {
	var cands []any
	for i := 0; i < 5; i++ {
		cands = append(cands, priceCandidate(fmt.Sprintf("Will Bitcoin close above $5%d,000 this week?", i)))
	}
	ai := &testutil.AI{Structured: map[string]any{"markets": cands}}

	res, err := newPipeline(ai, testutil.NewMarketStore()).GenerateAndInsertMarkets(context.Background(), GenerateInput{Count: 2})
	require.NoError(t, err)
	assert.Len(t, res.Markets, 2)
}

func TestGenerateAndInsertMarkets_AllInvalidReturnsEmpty(t *testing.T) {
	bad := priceCandidate("short")
	ai := &testutil.AI{Structured: map[string]any{"markets": []any{bad, bad}}}
	store := testutil.NewMarketStore()

	res, err := newPipeline(ai, store).GenerateAndInsertMarkets(context.Background(), GenerateInput{Count: 2})
	require.NoError(t, err)
	assert.Empty(t, res.Markets)
	assert.Equal(t, 2, res.Dropped)
	assert.Zero(t, store.Inserts)
}

func TestGenerateAndInsertMarkets_AIFailurePropagates(t *testing.T) {
	ai := &testutil.AI{StructuredErr: fmt.Errorf("openai: %w", domain.ErrAIProvider)}

	_, err := newPipeline(ai, testutil.NewMarketStore()).GenerateAndInsertMarkets(context.Background(), GenerateInput{Count: 1})
	assert.ErrorIs(t, err, domain.ErrAIProvider)
}

func TestGenerateAndInsertMarkets_RejectsBadCount(t *testing.T) {
	_, err := newPipeline(&testutil.AI{}, testutil.NewMarketStore()).GenerateAndInsertMarkets(context.Background(), GenerateInput{Count: 0})
	var ve *domain.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestCandidateValidation(t *testing.T) {
	cases := map[string]func(c map[string]any){
		"unknown category": func(c map[string]any) { c["category"] = "weather" },
		"zero duration":    func(c map[string]any) { c["duration"] = map[string]any{"value": 0, "unit": "days"} },
		"empty criteria":   func(c map[string]any) { c["resolutionCriteria"] = " " },
		"unknown strategy": func(c map[string]any) { c["resolutionStrategy"] = map[string]any{"type": "ORACLE"} },
		"bad indicators": func(c map[string]any) {
			c["resolutionStrategy"] = map[string]any{"type": "WEB_SEARCH", "searchQuery": "fed rate decision", "successIndicators": []string{}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := priceCandidate("Will Bitcoin close the week above $50,000?")
			mutate(c)
			ai := &testutil.AI{Structured: map[string]any{"markets": []any{c}}}
			res, err := newPipeline(ai, testutil.NewMarketStore()).GenerateAndInsertMarkets(context.Background(), GenerateInput{Count: 1})
			require.NoError(t, err)
			assert.Empty(t, res.Markets)
			assert.Equal(t, 1, res.Dropped)
		})
	}
}

func TestGetTrendingTopics(t *testing.T) {
	ai := &testutil.AI{ResearchText: "crypto: ETF inflows"}
	p := newPipeline(ai, testutil.NewMarketStore())

	digest, err := p.GetTrendingTopics(context.Background(), TrendingConfig{Categories: []string{"crypto"}})
	require.NoError(t, err)
	assert.Equal(t, "crypto: ETF inflows", digest)

	_, err = p.GetTrendingTopics(context.Background(), TrendingConfig{Categories: []string{"gossip"}})
	assert.Error(t, err)

	ai.ResearchErr = domain.ErrAIProvider
	_, err = p.GetTrendingTopics(context.Background(), TrendingConfig{})
	assert.ErrorIs(t, err, domain.ErrAIProvider)
}
