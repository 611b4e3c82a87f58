package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// SportsResolver compares the team's latest finished game in the market's
// open window with the declared outcome. A draw resolves NO for both win
// and lose.
type SportsResolver struct {
	sports domain.SportsProvider
}

// NewSportsResolver creates a SportsResolver backed by sports.
func NewSportsResolver(sports domain.SportsProvider) *SportsResolver {
	return &SportsResolver{sports: sports}
}

// Resolve reads the final score of the market's event.
func (r *SportsResolver) Resolve(ctx context.Context, m domain.Market) (domain.Resolution, error) {
	s, ok := m.Strategy.(domain.SportsStrategy)
	if !ok {
		return domain.Resolution{}, fmt.Errorf("%w: expected SPORTS, got %T", ErrUnsupportedStrategy, m.Strategy)
	}

	g, err := r.sports.LatestGame(ctx, domain.GameQuery{
		Sport:    s.Sport,
		TeamID:   s.TeamID,
		TeamName: s.TeamName,
		From:     m.CreatedAt,
		To:       m.ExpiresAt,
	})
	if errors.Is(err, domain.ErrNotFound) {
		return invalid(fmt.Sprintf("No finished %s game for %s between %s and %s was found in the sports feed.",
			strings.ToUpper(s.Sport), s.TeamName,
			m.CreatedAt.UTC().Format("2006-01-02"), m.ExpiresAt.UTC().Format("2006-01-02"))), nil
	}
	if err != nil {
		return domain.Resolution{}, err
	}

	source := domain.Source{
		URL:       g.SourceURL,
		Snippet:   fmt.Sprintf("%s %d - %d %s (%s)", g.HomeTeam, g.HomeScore, g.AwayScore, g.AwayTeam, g.Kickoff.UTC().Format("2006-01-02")),
		Relevance: "primary",
	}

	var teamScore, oppScore int
	switch {
	case isTeam(s, g.HomeTeamID, g.HomeTeam):
		teamScore, oppScore = g.HomeScore, g.AwayScore
	case isTeam(s, g.AwayTeamID, g.AwayTeam):
		teamScore, oppScore = g.AwayScore, g.HomeScore
	default:
		return invalid(fmt.Sprintf("The latest game returned (%s vs %s) does not involve %s.", g.HomeTeam, g.AwayTeam, s.TeamName), source), nil
	}

	var hit bool
	switch s.Outcome {
	case domain.OutcomeWin:
		hit = teamScore > oppScore
	case domain.OutcomeLose:
		hit = teamScore < oppScore
	}
	result := domain.ResultNo
	if hit {
		result = domain.ResultYes
	}

	verb := "drew"
	switch {
	case teamScore > oppScore:
		verb = "won"
	case teamScore < oppScore:
		verb = "lost"
	}
	return domain.Resolution{
		Result:     result,
		Confidence: 100,
		Reasoning: fmt.Sprintf("%s %s %d-%d; the market asked whether they would %s.",
			s.TeamName, verb, teamScore, oppScore, s.Outcome),
		Sources: []domain.Source{source},
	}, nil
}

func isTeam(s domain.SportsStrategy, id, name string) bool {
	if s.TeamID != "" && id != "" {
		return s.TeamID == id
	}
	a := strings.ToLower(strings.TrimSpace(name))
	b := strings.ToLower(strings.TrimSpace(s.TeamName))
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}
