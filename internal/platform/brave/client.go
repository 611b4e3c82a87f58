// Package brave is the web search evidence provider for WEB_SEARCH
// resolutions.
package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/platform/httpx"
)

// maxCount is the largest page the API serves.
const maxCount = 20

// Client calls the Brave Search web endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Brave Search client.
//
// baseURL is the API root, e.g. "https://api.search.brave.com/res/v1".
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type searchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search returns up to limit web results for query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error) {
	if limit <= 0 || limit > maxCount {
		limit = maxCount
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/web/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	body, err := httpx.Do(c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("brave: search %q: %w", query, httpx.Classify(err, domain.ErrProviderUnavailable))
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("brave: decode results: %w", err)
	}

	results := make([]domain.SearchResult, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, domain.SearchResult{
			Title:   stripTags(r.Title),
			URL:     r.URL,
			Snippet: stripTags(r.Description),
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// stripTags removes the <strong> highlighting Brave puts around matches.
func stripTags(s string) string {
	r := strings.NewReplacer("<strong>", "", "</strong>", "", "<b>", "", "</b>", "")
	return strings.TrimSpace(r.Replace(s))
}

var _ domain.SearchProvider = (*Client)(nil)
