package jobs

import (
	"strings"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// GenerateMarketPayload asks for Count new markets over Timeframe.
type GenerateMarketPayload struct {
	Count      int      `json:"count"`
	Timeframe  string   `json:"timeframe"`
	Categories []string `json:"categories,omitempty"`
}

func (p GenerateMarketPayload) Validate() error {
	if p.Count < 1 || p.Count > 20 {
		return domain.Invalid("count", "must be within 1-20")
	}
	if strings.TrimSpace(p.Timeframe) == "" {
		return domain.Invalid("timeframe", "required")
	}
	for _, c := range p.Categories {
		if !domain.ValidCategory(c) {
			return domain.Invalid("categories", "unknown category "+c)
		}
	}
	return nil
}

// ResolveMarketPayload names the market to resolve.
type ResolveMarketPayload struct {
	MarketID string `json:"marketId"`
}

func (p ResolveMarketPayload) Validate() error {
	if p.MarketID == "" {
		return domain.Invalid("marketId", "required")
	}
	return nil
}

// MarketImagePayload names the market that needs a cover image.
type MarketImagePayload struct {
	MarketID string `json:"marketId"`
}

func (p MarketImagePayload) Validate() error {
	if p.MarketID == "" {
		return domain.Invalid("marketId", "required")
	}
	return nil
}

// AvatarImagePayload points at a raw avatar upload.
type AvatarImagePayload struct {
	UserID     string `json:"userId"`
	SourcePath string `json:"sourcePath"`
}

func (p AvatarImagePayload) Validate() error {
	if p.UserID == "" {
		return domain.Invalid("userId", "required")
	}
	if p.SourcePath == "" {
		return domain.Invalid("sourcePath", "required")
	}
	if strings.Contains(p.UserID, "/") {
		return domain.Invalid("userId", "must not contain '/'")
	}
	return nil
}
