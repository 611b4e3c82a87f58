// Package sportsdb is the sports-data provider backed by TheSportsDB.
package sportsdb

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

// sportNames maps a strategy's league code to TheSportsDB sport name, used
// to disambiguate team name lookups.
var sportNames = map[string]string{
	"nfl":    "American Football",
	"nba":    "Basketball",
	"mlb":    "Baseball",
	"nhl":    "Ice Hockey",
	"epl":    "Soccer",
	"laliga": "Soccer",
	"mls":    "Soccer",
	"ucl":    "Soccer",
}

// Client is a TheSportsDB v1 client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client.
//
// baseURL is the API root including the key segment, e.g.
// "https://www.thesportsdb.com/api/v1/json/3".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type apiTeam struct {
	ID    string `json:"idTeam"`
	Name  string `json:"strTeam"`
	Sport string `json:"strSport"`
}

type apiEvent struct {
	ID         string  `json:"idEvent"`
	HomeTeamID string  `json:"idHomeTeam"`
	HomeTeam   string  `json:"strHomeTeam"`
	AwayTeamID string  `json:"idAwayTeam"`
	AwayTeam   string  `json:"strAwayTeam"`
	HomeScore  *string `json:"intHomeScore"`
	AwayScore  *string `json:"intAwayScore"`
	Timestamp  string  `json:"strTimestamp"`
	Date       string  `json:"dateEvent"`
	Time       string  `json:"strTime"`
}

// kickoff parses the event's start time, preferring the full timestamp.
func (e apiEvent) kickoff() (time.Time, bool) {
	if e.Timestamp != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, e.Timestamp); err == nil {
				return t.UTC(), true
			}
		}
	}
	if e.Date == "" {
		return time.Time{}, false
	}
	clock := e.Time
	if clock == "" {
		clock = "00:00:00"
	}
	t, err := time.Parse("2006-01-02 15:04:05", e.Date+" "+strings.TrimSuffix(clock, "Z"))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// toGame converts a finished event. Events without both scores are skipped.
func (e apiEvent) toGame() (domain.Game, bool) {
	if e.HomeScore == nil || e.AwayScore == nil {
		return domain.Game{}, false
	}
	home, err1 := strconv.Atoi(*e.HomeScore)
	away, err2 := strconv.Atoi(*e.AwayScore)
	kickoff, ok := e.kickoff()
	if err1 != nil || err2 != nil || !ok {
		return domain.Game{}, false
	}
	return domain.Game{
		ID:         e.ID,
		HomeTeamID: e.HomeTeamID,
		HomeTeam:   e.HomeTeam,
		AwayTeamID: e.AwayTeamID,
		AwayTeam:   e.AwayTeam,
		HomeScore:  home,
		AwayScore:  away,
		Kickoff:    kickoff,
		SourceURL:  "https://www.thesportsdb.com/event/" + url.PathEscape(e.ID),
	}, true
}

// LatestGame returns the team's most recent finished game with kickoff in
// [q.From, q.To]. It returns domain.ErrNotFound when there is none.
func (c *Client) LatestGame(ctx context.Context, q domain.GameQuery) (domain.Game, error) {
	teamID := q.TeamID
	if teamID == "" {
		id, err := c.lookupTeam(ctx, q.Sport, q.TeamName)
		if err != nil {
			return domain.Game{}, err
		}
		teamID = id
	}

	params := url.Values{}
	params.Set("id", teamID)
	body, err := c.doGet(ctx, "/eventslast.php?"+params.Encode())
	if err != nil {
		return domain.Game{}, fmt.Errorf("sportsdb: last events of team %s: %w", teamID, err)
	}

	var resp struct {
		Results []apiEvent `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Game{}, fmt.Errorf("sportsdb: decode events: %w", err)
	}

	var (
		best  domain.Game
		found bool
	)
	for _, ev := range resp.Results {
		g, ok := ev.toGame()
		if !ok {
			continue
		}
		if g.Kickoff.Before(q.From) || (!q.To.IsZero() && g.Kickoff.After(q.To)) {
			continue
		}
		if !found || g.Kickoff.After(best.Kickoff) {
			best, found = g, true
		}
	}
	if !found {
		return domain.Game{}, fmt.Errorf("sportsdb: no finished game for team %s: %w", teamID, domain.ErrNotFound)
	}
	return best, nil
}

// lookupTeam resolves a team name to its id, preferring an exact,
// sport-matching name.
func (c *Client) lookupTeam(ctx context.Context, sport, name string) (string, error) {
	params := url.Values{}
	params.Set("t", name)
	body, err := c.doGet(ctx, "/searchteams.php?"+params.Encode())
	if err != nil {
		return "", fmt.Errorf("sportsdb: search team %q: %w", name, err)
	}

	var resp struct {
		Teams []apiTeam `json:"teams"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("sportsdb: decode teams: %w", err)
	}

	want := sportNames[sport]
	var fallback string
	for _, t := range resp.Teams {
		if want != "" && t.Sport != want {
			continue
		}
		if strings.EqualFold(t.Name, name) {
			return t.ID, nil
		}
		if fallback == "" {
			fallback = t.ID
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("sportsdb: team %q: %w", name, domain.ErrNotFound)
	}
	return fallback, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := httpx.Do(c.httpClient, req)
	if err != nil {
		return nil, httpx.Classify(err, domain.ErrProviderUnavailable)
	}
	return body, nil
}

var _ domain.SportsProvider = (*Client)(nil)
