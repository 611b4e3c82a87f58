package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

const (
	searchLimit    = 8
	maxSnippetLen  = 500
	judgeSchemaKey = "market_resolution"
)

const judgeSystemPrompt = `You resolve prediction markets from web evidence.
Answer YES only if the evidence shows the success indicators were met before the market closed.
Answer NO only if the evidence shows they were not met.
Answer INVALID when the evidence is missing, insufficient or contradictory.
Confidence is 0 to 100 and reflects the strength of the evidence, not your prior.
Cite only sources from the evidence list.`

// aiResolution is the judge's structured answer.
type aiResolution struct {
	Result     string          `json:"result"`
	Confidence int             `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	Sources    []domain.Source `json:"sources"`
}

func judgeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"result":     map[string]any{"type": "string", "enum": []string{"YES", "NO", "INVALID"}},
			"confidence": map[string]any{"type": "integer"},
			"reasoning":  map[string]any{"type": "string"},
			"sources": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url":       map[string]any{"type": "string"},
						"snippet":   map[string]any{"type": "string"},
						"relevance": map[string]any{"type": "string"},
					},
					"required":             []string{"url", "snippet", "relevance"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"result", "confidence", "reasoning", "sources"},
		"additionalProperties": false,
	}
}

// WebSearchResolver gathers search evidence and asks the AI to judge
// whether the success indicators were met.
type WebSearchResolver struct {
	search domain.SearchProvider
	ai     domain.AIClient
	logger *slog.Logger
}

// NewWebSearchResolver creates a WebSearchResolver.
func NewWebSearchResolver(search domain.SearchProvider, ai domain.AIClient, logger *slog.Logger) *WebSearchResolver {
	return &WebSearchResolver{
		search: search,
		ai:     ai,
		logger: logger.With(slog.String("component", "websearch_resolver")),
	}
}

// Resolve searches the web for the market question and asks the AI
// client for a verdict grounded in the results.
func (r *WebSearchResolver) Resolve(ctx context.Context, m domain.Market) (domain.Resolution, error) {
	s, ok := m.Strategy.(domain.WebSearchStrategy)
	if !ok {
		return domain.Resolution{}, fmt.Errorf("%w: expected WEB_SEARCH, got %T", ErrUnsupportedStrategy, m.Strategy)
	}

	results, err := r.search.Search(ctx, s.SearchQuery, searchLimit)
	if err != nil {
		return domain.Resolution{}, err
	}
	evidence := collectEvidence(results, s.VerificationURLs)
	if len(evidence) == 0 {
		return invalid(fmt.Sprintf("No search results or verification sources were found for %q.", s.SearchQuery)), nil
	}

	var out aiResolution
	err = r.ai.GenerateStructured(ctx, domain.StructuredRequest{
		Name:   judgeSchemaKey,
		System: judgeSystemPrompt,
		User:   judgePrompt(m, s, evidence),
		Schema: judgeSchema(),
	}, &out)
	if err != nil {
		return domain.Resolution{}, err
	}

	res := domain.Resolution{
		Result:     domain.Result(strings.ToUpper(strings.TrimSpace(out.Result))),
		Confidence: clamp(out.Confidence, 0, 100),
		Reasoning:  strings.TrimSpace(out.Reasoning),
		Sources:    citedSources(out.Sources, evidence),
	}
	if !res.Result.Valid() {
		r.logger.WarnContext(ctx, "judge returned unknown result",
			slog.String("market_id", m.ID),
			slog.String("result", out.Result),
		)
		return invalid("The evidence judge returned an unusable verdict.", res.Sources...), nil
	}
	if res.Result == domain.ResultInvalid && res.Reasoning == "" {
		res.Reasoning = "The evidence was insufficient or contradictory."
	}
	return res, nil
}

// collectEvidence merges search hits with the strategy's verification
// URLs, de-duplicated by URL.
func collectEvidence(results []domain.SearchResult, verification []string) []domain.Source {
	seen := make(map[string]bool)
	var out []domain.Source
	for _, u := range verification {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, domain.Source{URL: u, Relevance: "verification"})
	}
	for _, res := range results {
		if res.URL == "" || seen[res.URL] {
			continue
		}
		seen[res.URL] = true
		snippet := res.Snippet
		if len(snippet) > maxSnippetLen {
			snippet = snippet[:maxSnippetLen]
		}
		out = append(out, domain.Source{URL: res.URL, Snippet: snippet, Relevance: "search"})
	}
	return out
}

// citedSources keeps the judge's citations that appear in the evidence.
// With no usable citation the full evidence list is kept.
func citedSources(cited, evidence []domain.Source) []domain.Source {
	known := make(map[string]bool, len(evidence))
	for _, e := range evidence {
		known[e.URL] = true
	}
	var out []domain.Source
	for _, c := range cited {
		if known[c.URL] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return evidence
	}
	return out
}

func judgePrompt(m domain.Market, s domain.WebSearchStrategy, evidence []domain.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Market: %s\n", m.Title)
	fmt.Fprintf(&b, "Resolution criteria: %s\n", m.ResolutionCriteria)
	fmt.Fprintf(&b, "Open from %s to %s.\n", m.CreatedAt.UTC().Format("2006-01-02 15:04"), m.ExpiresAt.UTC().Format("2006-01-02 15:04"))
	b.WriteString("Success indicators:\n")
	for _, ind := range s.SuccessIndicators {
		fmt.Fprintf(&b, "- %s\n", ind)
	}
	b.WriteString("\nEvidence:\n")
	for i, e := range evidence {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, e.URL)
		if e.Snippet != "" {
			fmt.Fprintf(&b, "    %s\n", e.Snippet)
		}
	}
	return b.String()
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
