// Package coingecko is the price provider used by PRICE resolutions.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/platform/httpx"
)

// Client queries the CoinGecko simple price endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	currency   string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a CoinGecko client.
//
// baseURL is the API root, e.g. "https://api.coingecko.com/api/v3". apiKey
// may be empty for the public tier.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		currency: "usd",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
}

// Price returns the spot USD price of coinID.
func (c *Client) Price(ctx context.Context, coinID string) (domain.PriceQuote, error) {
	params := url.Values{}
	params.Set("ids", coinID)
	params.Set("vs_currencies", c.currency)
	sourceURL := c.baseURL + "/simple/price?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("coingecko: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	body, err := httpx.Do(c.httpClient, req)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("coingecko: price %s: %w", coinID, httpx.Classify(err, domain.ErrProviderUnavailable))
	}

	var prices map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &prices); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("coingecko: decode price %s: %w", coinID, err)
	}
	price, ok := prices[coinID][c.currency]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("coingecko: price %s: %w", coinID, domain.ErrNotFound)
	}

	return domain.PriceQuote{
		CoinID:    coinID,
		Price:     price,
		Currency:  c.currency,
		SourceURL: sourceURL,
		At:        c.now(),
	}, nil
}

var _ domain.PriceProvider = (*Client)(nil)
