package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketColumns = `
	id, title, description, category, duration_value, duration_unit,
	resolution_criteria, resolution_strategy, on_chain_id, image_path,
	result, resolution_confidence, resolution_reasoning, resolution_sources,
	resolved_at, needs_review, expires_at, created_at, updated_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m           domain.Market
		unit        string
		strategyRaw []byte
		result      *string
		sourcesRaw  []byte
	)
	err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.Category, &m.Duration.Value, &unit,
		&m.ResolutionCriteria, &strategyRaw, &m.OnChainID, &m.ImagePath,
		&result, &m.ResolutionConfidence, &m.ResolutionReasoning, &sourcesRaw,
		&m.ResolvedAt, &m.NeedsReview, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Duration.Unit = domain.DurationUnit(unit)

	m.Strategy, err = domain.DecodeStrategy(strategyRaw)
	if err != nil {
		return domain.Market{}, fmt.Errorf("decode strategy of market %s: %w", m.ID, err)
	}
	if result != nil {
		r := domain.Result(*result)
		m.Result = &r
	}
	if len(sourcesRaw) > 0 {
		if err := json.Unmarshal(sourcesRaw, &m.ResolutionSources); err != nil {
			return domain.Market{}, fmt.Errorf("decode sources of market %s: %w", m.ID, err)
		}
	}
	return m, nil
}

// InsertMarkets inserts all markets in one batch. The batch runs as a single
// implicit transaction, so either every market is stored or none is.
func (s *MarketStore) InsertMarkets(ctx context.Context, markets []domain.Market) ([]domain.Market, error) {
	if len(markets) == 0 {
		return nil, nil
	}

	const query = `
		INSERT INTO markets (
			id, title, description, category, duration_value, duration_unit,
			resolution_criteria, resolution_strategy, on_chain_id, image_path,
			expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, NOW()
		)
		RETURNING created_at, updated_at`

	batch := &pgx.Batch{}
	for _, m := range markets {
		strategy, err := domain.EncodeStrategy(m.Strategy)
		if err != nil {
			return nil, fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
		}
		batch.Queue(query,
			m.ID, m.Title, m.Description, m.Category, m.Duration.Value, string(m.Duration.Unit),
			m.ResolutionCriteria, strategy, m.OnChainID, m.ImagePath,
			m.ExpiresAt, m.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	out := make([]domain.Market, len(markets))
	copy(out, markets)
	for i := range out {
		if err := br.QueryRow().Scan(&out[i].CreatedAt, &out[i].UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: insert market %s: %w", out[i].ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("postgres: insert markets: %w", err)
	}
	return out, nil
}

// GetByID returns a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`

	m, err := scanMarket(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// UpdateResolution writes the verdict in a single statement guarded by
// result IS NULL. A concurrent resolver that loses the race gets false.
func (s *MarketStore) UpdateResolution(ctx context.Context, id string, res domain.Resolution) (bool, error) {
	sources := res.Sources
	if sources == nil {
		sources = []domain.Source{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal sources of market %s: %w", id, err)
	}

	const query = `
		UPDATE markets SET
			result                = $2,
			resolution_confidence = $3,
			resolution_reasoning  = $4,
			resolution_sources    = $5,
			resolved_at           = NOW(),
			updated_at            = NOW()
		WHERE id = $1 AND result IS NULL`

	tag, err := s.pool.Exec(ctx, query, id, string(res.Result), res.Confidence, res.Reasoning, sourcesJSON)
	if err != nil {
		return false, fmt.Errorf("postgres: update resolution of market %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateImage sets the market's cover image path.
func (s *MarketStore) UpdateImage(ctx context.Context, id string, path string) error {
	const query = `UPDATE markets SET image_path = $2, updated_at = NOW() WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, path)
	if err != nil {
		return fmt.Errorf("postgres: update image of market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update image of market %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// FlagForReview marks a market for manual review.
func (s *MarketStore) FlagForReview(ctx context.Context, id string, reason string) error {
	const query = `
		UPDATE markets SET needs_review = TRUE, review_reason = $2, updated_at = NOW()
		WHERE id = $1`

	if _, err := s.pool.Exec(ctx, query, id, reason); err != nil {
		return fmt.Errorf("postgres: flag market %s: %w", id, err)
	}
	return nil
}

// ListExpiredUnresolved returns markets past expiry with no result yet,
// oldest expiry first.
func (s *MarketStore) ListExpiredUnresolved(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	query := `SELECT ` + marketColumns + `
		FROM markets
		WHERE result IS NULL AND needs_review = FALSE AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list expired markets rows: %w", err)
	}
	return markets, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
