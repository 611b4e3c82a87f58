package domain

import (
	"fmt"
	"time"
)

// Result is the terminal outcome of a market.
type Result string

const (
	ResultYes     Result = "YES"
	ResultNo      Result = "NO"
	ResultInvalid Result = "INVALID"
)

// Valid reports whether r is one of the three terminal outcomes.
func (r Result) Valid() bool {
	switch r {
	case ResultYes, ResultNo, ResultInvalid:
		return true
	}
	return false
}

// DurationUnit is the unit of a market's open period.
type DurationUnit string

const (
	UnitHours  DurationUnit = "hours"
	UnitDays   DurationUnit = "days"
	UnitWeeks  DurationUnit = "weeks"
	UnitMonths DurationUnit = "months"
)

// MarketDuration is how long a market stays open after creation.
type MarketDuration struct {
	Value int          `json:"value"`
	Unit  DurationUnit `json:"unit"`
}

// Validate checks the value is positive and the unit is known.
func (d MarketDuration) Validate() error {
	if d.Value <= 0 {
		return Invalid("duration.value", "must be > 0")
	}
	switch d.Unit {
	case UnitHours, UnitDays, UnitWeeks, UnitMonths:
		return nil
	}
	return Invalid("duration.unit", fmt.Sprintf("unknown unit %q", d.Unit))
}

// ExpiresAt returns the close time for a market created at start.
func (d MarketDuration) ExpiresAt(start time.Time) time.Time {
	switch d.Unit {
	case UnitHours:
		return start.Add(time.Duration(d.Value) * time.Hour)
	case UnitDays:
		return start.AddDate(0, 0, d.Value)
	case UnitWeeks:
		return start.AddDate(0, 0, 7*d.Value)
	case UnitMonths:
		return start.AddDate(0, d.Value, 0)
	}
	return start
}

// Categories is the closed set of market categories.
var Categories = []string{
	"crypto", "sports", "politics", "technology", "entertainment", "economics", "science", "world",
}

// ValidCategory reports whether c is in Categories.
func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// Source is a piece of evidence cited by a resolution.
type Source struct {
	URL       string `json:"url"`
	Snippet   string `json:"snippet"`
	Relevance string `json:"relevance"`
}

// Resolution is the verdict written onto a market. Result, Confidence,
// Reasoning and Sources are always written together.
type Resolution struct {
	Result     Result   `json:"result"`
	Confidence int      `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Sources    []Source `json:"sources"`
}

// Validate enforces the result enum and the 0-100 confidence range.
func (r Resolution) Validate() error {
	if !r.Result.Valid() {
		return Invalid("result", fmt.Sprintf("unknown result %q", r.Result))
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return Invalid("confidence", "must be within 0-100")
	}
	return nil
}

// Market is an AI-generated prediction market.
type Market struct {
	ID                 string
	Title              string
	Description        string
	Category           string
	Duration           MarketDuration
	ResolutionCriteria string
	Strategy           ResolutionStrategy

	// On-chain market id; nil until the market contract is deployed.
	OnChainID *int64
	ImagePath string

	// Resolution fields. Result transitions from nil to a terminal value at
	// most once; the remaining fields are only meaningful once it is set.
	Result               *Result
	ResolutionConfidence *int
	ResolutionReasoning  *string
	ResolutionSources    []Source
	ResolvedAt           *time.Time
	NeedsReview          bool

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resolved reports whether the market has a terminal result.
func (m Market) Resolved() bool {
	return m.Result != nil
}

// Resolution returns the stored verdict, or false if unresolved.
func (m Market) Resolution() (Resolution, bool) {
	if m.Result == nil {
		return Resolution{}, false
	}
	r := Resolution{Result: *m.Result, Sources: m.ResolutionSources}
	if m.ResolutionConfidence != nil {
		r.Confidence = *m.ResolutionConfidence
	}
	if m.ResolutionReasoning != nil {
		r.Reasoning = *m.ResolutionReasoning
	}
	return r, true
}
