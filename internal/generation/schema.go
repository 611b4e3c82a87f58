package generation

import "github.com/alanyoungcy/marketforge/internal/domain"

// nullable wraps a JSON schema type so strict mode accepts a null value
// for an optional field.
func nullable(t string) []string { return []string{t, "null"} }

func strategySchema() map[string]any {
	price := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":      map[string]any{"type": "string", "enum": []string{string(domain.StrategyPrice)}},
			"provider":  map[string]any{"type": "string", "enum": []string{"coingecko"}},
			"coinId":    map[string]any{"type": "string", "description": "CoinGecko coin id, e.g. bitcoin"},
			"operator":  map[string]any{"type": "string", "enum": []string{">=", "<=", ">", "<"}},
			"threshold": map[string]any{"type": "number"},
		},
		"required":             []string{"type", "provider", "coinId", "operator", "threshold"},
		"additionalProperties": false,
	}
	sports := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":     map[string]any{"type": "string", "enum": []string{string(domain.StrategySports)}},
			"provider": map[string]any{"type": "string", "enum": []string{"thesportsdb"}},
			"sport":    map[string]any{"type": "string", "enum": domain.Sports},
			"teamId":   map[string]any{"type": nullable("string")},
			"teamName": map[string]any{"type": "string"},
			"outcome":  map[string]any{"type": "string", "enum": []string{"win", "lose"}},
		},
		"required":             []string{"type", "provider", "sport", "teamId", "teamName", "outcome"},
		"additionalProperties": false,
	}
	web := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":        map[string]any{"type": "string", "enum": []string{string(domain.StrategyWebSearch)}},
			"searchQuery": map[string]any{"type": "string"},
			"successIndicators": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"verificationUrls": map[string]any{
				"type":  nullable("array"),
				"items": map[string]any{"type": "string"},
			},
		},
		"required":             []string{"type", "searchQuery", "successIndicators", "verificationUrls"},
		"additionalProperties": false,
	}
	return map[string]any{"anyOf": []any{price, sports, web}}
}

// marketsSchema is the strict response schema for a batch of candidates.
func marketsSchema() map[string]any {
	market := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":       map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"category":    map[string]any{"type": "string", "enum": domain.Categories},
			"duration": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"value": map[string]any{"type": "integer"},
					"unit":  map[string]any{"type": "string", "enum": []string{"hours", "days", "weeks", "months"}},
				},
				"required":             []string{"value", "unit"},
				"additionalProperties": false,
			},
			"resolutionCriteria": map[string]any{"type": "string"},
			"resolutionStrategy": strategySchema(),
		},
		"required": []string{
			"title", "description", "category", "duration", "resolutionCriteria", "resolutionStrategy",
		},
		"additionalProperties": false,
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"markets": map[string]any{"type": "array", "items": market},
		},
		"required":             []string{"markets"},
		"additionalProperties": false,
	}
}
