package resolution

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// PriceResolver compares a spot price against the strategy threshold.
type PriceResolver struct {
	prices domain.PriceProvider
}

// NewPriceResolver creates a PriceResolver backed by prices.
func NewPriceResolver(prices domain.PriceProvider) *PriceResolver {
	return &PriceResolver{prices: prices}
}

// Resolve compares the asset price against the market threshold.
func (r *PriceResolver) Resolve(ctx context.Context, m domain.Market) (domain.Resolution, error) {
	s, ok := m.Strategy.(domain.PriceStrategy)
	if !ok {
		return domain.Resolution{}, fmt.Errorf("%w: expected PRICE, got %T", ErrUnsupportedStrategy, m.Strategy)
	}

	q, err := r.prices.Price(ctx, s.CoinID)
	if errors.Is(err, domain.ErrNotFound) {
		return invalid(fmt.Sprintf("The price provider has no quote for %q.", s.CoinID)), nil
	}
	if err != nil {
		return domain.Resolution{}, err
	}

	threshold := decimal.NewFromFloat(s.Threshold)
	hit := compare(q.Price, s.Operator, threshold)
	result := domain.ResultNo
	if hit {
		result = domain.ResultYes
	}

	return domain.Resolution{
		Result:     result,
		Confidence: 100,
		Reasoning: fmt.Sprintf("%s spot price was %s %s; condition %s %s is %t.",
			s.CoinID, q.Price.String(), q.Currency, s.Operator, threshold.String(), hit),
		Sources: []domain.Source{{
			URL:       q.SourceURL,
			Snippet:   fmt.Sprintf("%s: %s %s at %s", s.CoinID, q.Price.String(), q.Currency, q.At.UTC().Format("2006-01-02T15:04:05Z")),
			Relevance: "primary",
		}},
	}, nil
}

func compare(price decimal.Decimal, op domain.PriceOperator, threshold decimal.Decimal) bool {
	switch op {
	case domain.OpGTE:
		return price.GreaterThanOrEqual(threshold)
	case domain.OpLTE:
		return price.LessThanOrEqual(threshold)
	case domain.OpGT:
		return price.GreaterThan(threshold)
	case domain.OpLT:
		return price.LessThan(threshold)
	}
	return false
}
