package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StrategyType is the discriminator of a ResolutionStrategy.
type StrategyType string

const (
	StrategyPrice     StrategyType = "PRICE"
	StrategySports    StrategyType = "SPORTS"
	StrategyWebSearch StrategyType = "WEB_SEARCH"
)

// ResolutionStrategy is the declared method by which a market's outcome is
// decided. Exactly one variant is attached to each market.
type ResolutionStrategy interface {
	Type() StrategyType
	Validate() error
}

// PriceOperator compares a spot price against a threshold.
type PriceOperator string

const (
	OpGTE PriceOperator = ">="
	OpLTE PriceOperator = "<="
	OpGT  PriceOperator = ">"
	OpLT  PriceOperator = "<"
)

// PriceStrategy resolves YES when the spot price of CoinID satisfies
// Operator against Threshold.
type PriceStrategy struct {
	Provider  string        `json:"provider"`
	CoinID    string        `json:"coinId"`
	Operator  PriceOperator `json:"operator"`
	Threshold float64       `json:"threshold"`
}

func (PriceStrategy) Type() StrategyType { return StrategyPrice }

func (s PriceStrategy) Validate() error {
	if strings.TrimSpace(s.Provider) == "" {
		return Invalid("strategy.provider", "required")
	}
	if strings.TrimSpace(s.CoinID) == "" {
		return Invalid("strategy.coinId", "required")
	}
	switch s.Operator {
	case OpGTE, OpLTE, OpGT, OpLT:
	default:
		return Invalid("strategy.operator", fmt.Sprintf("unknown operator %q", s.Operator))
	}
	if s.Threshold <= 0 {
		return Invalid("strategy.threshold", "must be > 0")
	}
	return nil
}

// SportsOutcome is the declared result for the named team.
type SportsOutcome string

const (
	OutcomeWin  SportsOutcome = "win"
	OutcomeLose SportsOutcome = "lose"
)

// Sports is the closed set of supported leagues.
var Sports = []string{"nfl", "nba", "mlb", "nhl", "epl", "laliga", "mls", "ucl"}

func validSport(s string) bool {
	for _, v := range Sports {
		if v == s {
			return true
		}
	}
	return false
}

// SportsStrategy resolves from the latest finished game of a team.
type SportsStrategy struct {
	Provider string        `json:"provider"`
	Sport    string        `json:"sport"`
	TeamID   string        `json:"teamId,omitempty"`
	TeamName string        `json:"teamName"`
	Outcome  SportsOutcome `json:"outcome"`
}

func (SportsStrategy) Type() StrategyType { return StrategySports }

func (s SportsStrategy) Validate() error {
	if strings.TrimSpace(s.Provider) == "" {
		return Invalid("strategy.provider", "required")
	}
	if !validSport(s.Sport) {
		return Invalid("strategy.sport", fmt.Sprintf("unsupported league %q", s.Sport))
	}
	if strings.TrimSpace(s.TeamName) == "" {
		return Invalid("strategy.teamName", "required")
	}
	if s.Outcome != OutcomeWin && s.Outcome != OutcomeLose {
		return Invalid("strategy.outcome", fmt.Sprintf("unknown outcome %q", s.Outcome))
	}
	return nil
}

// WebSearchStrategy is resolved by an AI judge over search evidence.
type WebSearchStrategy struct {
	SearchQuery       string   `json:"searchQuery"`
	SuccessIndicators []string `json:"successIndicators"`
	VerificationURLs  []string `json:"verificationUrls,omitempty"`
}

func (WebSearchStrategy) Type() StrategyType { return StrategyWebSearch }

func (s WebSearchStrategy) Validate() error {
	if len(strings.TrimSpace(s.SearchQuery)) < 5 {
		return Invalid("strategy.searchQuery", "must be at least 5 characters")
	}
	if n := len(s.SuccessIndicators); n < 1 || n > 5 {
		return Invalid("strategy.successIndicators", "must contain 1 to 5 entries")
	}
	for _, ind := range s.SuccessIndicators {
		if strings.TrimSpace(ind) == "" {
			return Invalid("strategy.successIndicators", "entries must be non-empty")
		}
	}
	return nil
}

// DecodeStrategy parses a tagged strategy object, selecting the variant by
// its "type" field. The returned strategy has not been validated.
func DecodeStrategy(raw []byte) (ResolutionStrategy, error) {
	var head struct {
		Type StrategyType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, Invalid("strategy", "malformed json: "+err.Error())
	}

	var (
		s   ResolutionStrategy
		err error
	)
	switch head.Type {
	case StrategyPrice:
		var v PriceStrategy
		err = json.Unmarshal(raw, &v)
		s = v
	case StrategySports:
		var v SportsStrategy
		err = json.Unmarshal(raw, &v)
		s = v
	case StrategyWebSearch:
		var v WebSearchStrategy
		err = json.Unmarshal(raw, &v)
		s = v
	default:
		return nil, Invalid("strategy.type", fmt.Sprintf("unknown strategy type %q", head.Type))
	}
	if err != nil {
		return nil, Invalid("strategy", err.Error())
	}
	return s, nil
}

// EncodeStrategy renders s with its "type" discriminator.
func EncodeStrategy(s ResolutionStrategy) ([]byte, error) {
	switch v := s.(type) {
	case PriceStrategy:
		return json.Marshal(struct {
			Type StrategyType `json:"type"`
			PriceStrategy
		}{v.Type(), v})
	case SportsStrategy:
		return json.Marshal(struct {
			Type StrategyType `json:"type"`
			SportsStrategy
		}{v.Type(), v})
	case WebSearchStrategy:
		return json.Marshal(struct {
			Type StrategyType `json:"type"`
			WebSearchStrategy
		}{v.Type(), v})
	}
	return nil, fmt.Errorf("encode strategy: unsupported variant %T", s)
}
