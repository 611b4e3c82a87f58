// Package jobs binds the five background job kinds to the queue runtime:
// their payloads, handlers and fixed per-queue limits.
package jobs

import (
	"time"

	"github.com/alanyoungcy/marketforge/internal/queue"
)

// Queue names.
const (
	ResolveMarket       = "resolve-market"
	GenerateMarket      = "generate-market"
	DecryptTotals       = "decrypt-totals"
	GenerateMarketImage = "generate-market-image"
	ProcessAvatarImage  = "process-avatar-image"
)

// QueueConfigs returns the fixed concurrency and rate limits of every queue.
// They are deliberately not configurable.
func QueueConfigs() []queue.Config {
	return []queue.Config{
		{Name: ResolveMarket, Concurrency: 2, Rate: queue.RateLimit{Max: 10, Duration: time.Minute}},
		{Name: GenerateMarket, Concurrency: 1, Rate: queue.RateLimit{Max: 5, Duration: time.Minute}},
		{Name: DecryptTotals, Concurrency: 1, Rate: queue.RateLimit{Max: 20, Duration: time.Minute}},
		{Name: GenerateMarketImage, Concurrency: 2, Rate: queue.RateLimit{Max: 10, Duration: time.Minute}},
		{Name: ProcessAvatarImage, Concurrency: 4},
	}
}
