package generation

import (
	"fmt"
	"strings"
	"time"
)

const systemPrompt = `You write binary prediction markets for a public marketplace.
Every market must be answerable YES or NO from public information at its close.
Pick exactly one resolution strategy per market:
- PRICE for crypto price thresholds, with a CoinGecko coin id.
- SPORTS for the result of a team's next game in a supported league.
- WEB_SEARCH for everything else, with a precise search query and 1 to 5 success indicators.
Titles are questions between 10 and 200 characters. Never duplicate a market.`

func researchPrompt(categories []string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s. Research what is trending right now.\n", now.UTC().Format("2006-01-02"))
	b.WriteString("For each category below, list the 3 to 5 most discussed current stories, ")
	b.WriteString("with upcoming dates, scheduled events and concrete numbers where known.\n")
	for _, c := range categories {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return b.String()
}

func generatePrompt(in GenerateInput, now time.Time) string {
	timeframe := in.Timeframe
	if timeframe == "" {
		timeframe = "1 to 14 days"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s.\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Create exactly %d prediction markets that close within %s.\n\n", in.Count, timeframe)
	b.WriteString("Trending topics:\n")
	b.WriteString(in.TrendingTopics)
	return b.String()
}
