package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StructuredRequest asks the AI for a JSON document matching Schema.
type StructuredRequest struct {
	Name   string
	System string
	User   string
	Schema map[string]any
}

// AIClient is the contract of the AI research and generation capability.
// Any failure is reported wrapped in ErrAIProvider.
type AIClient interface {
	// Research returns a natural-language digest for the prompt, using live
	// web results where the provider supports it.
	Research(ctx context.Context, prompt string) (string, error)
	// GenerateStructured fills out with the model's schema-constrained answer.
	GenerateStructured(ctx context.Context, req StructuredRequest, out any) error
	// GenerateImage returns PNG bytes for the prompt.
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// PriceQuote is a spot price observation.
type PriceQuote struct {
	CoinID    string
	Price     decimal.Decimal
	Currency  string
	SourceURL string
	At        time.Time
}

// PriceProvider returns spot prices keyed by coin id.
type PriceProvider interface {
	Price(ctx context.Context, coinID string) (PriceQuote, error)
}

// GameQuery selects a team's latest finished game within a window.
type GameQuery struct {
	Sport    string
	TeamID   string
	TeamName string
	From     time.Time
	To       time.Time
}

// Game is a finished fixture.
type Game struct {
	ID         string
	HomeTeamID string
	HomeTeam   string
	AwayTeamID string
	AwayTeam   string
	HomeScore  int
	AwayScore  int
	Kickoff    time.Time
	SourceURL  string
}

// SportsProvider returns game results. LatestGame returns ErrNotFound when
// the team has no finished game inside the query window.
type SportsProvider interface {
	LatestGame(ctx context.Context, q GameQuery) (Game, error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// SearchProvider is a web search capability.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// Ledger is the typed contract-call interface of the public ledger. All
// failures are reported as *LedgerError.
type Ledger interface {
	ReadEncryptedTotals(ctx context.Context, onChainMarketID int64) (EncryptedTotals, error)
	IsPayoutAuthorized(ctx context.Context, onChainMarketID int64) (bool, error)
	AuthorizePayout(ctx context.Context, onChainMarketID int64, outcome Result, totals DecryptedTotals, proof []byte) (string, error)
	IsOperatorApproved(ctx context.Context, wallet, contract string) (bool, error)
	ClaimPayout(ctx context.Context, onChainMarketID int64, wallet string) (string, error)
	// MarketContract is the address users approve as operator.
	MarketContract() string
}

// Decryptor submits public decryption requests to the FHE relayer.
type Decryptor interface {
	PublicDecrypt(ctx context.Context, handles []string) (DecryptionResult, error)
}

// Alerter escalates events to operators.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}
