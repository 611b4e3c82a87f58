package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
// Totals are NUMERIC(20,0) columns so the full uint64 range round-trips.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Get returns the settlement row of a market.
func (s *SettlementStore) Get(ctx context.Context, marketID string) (domain.Settlement, error) {
	const query = `
		SELECT market_id, on_chain_market_id, yes_total::text, no_total::text, proof,
		       decrypted_at, payout_tx, frozen, frozen_reason, updated_at
		FROM settlements WHERE market_id = $1`

	var (
		st      domain.Settlement
		yes, no *string
	)
	err := s.pool.QueryRow(ctx, query, marketID).Scan(
		&st.MarketID, &st.OnChainMarketID, &yes, &no, &st.Proof,
		&st.DecryptedAt, &st.PayoutAuthorizeTx, &st.Frozen, &st.FrozenReason, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Settlement{}, fmt.Errorf("postgres: get settlement %s: %w", marketID, domain.ErrNotFound)
		}
		return domain.Settlement{}, fmt.Errorf("postgres: get settlement %s: %w", marketID, err)
	}

	if yes != nil && no != nil {
		y, err := strconv.ParseUint(*yes, 10, 64)
		if err != nil {
			return domain.Settlement{}, fmt.Errorf("postgres: parse yes total of %s: %w", marketID, err)
		}
		n, err := strconv.ParseUint(*no, 10, 64)
		if err != nil {
			return domain.Settlement{}, fmt.Errorf("postgres: parse no total of %s: %w", marketID, err)
		}
		st.Totals = &domain.DecryptedTotals{Yes: y, No: n}
	}
	return st, nil
}

// UpdateDecryptedTotals stores totals once. A second call, from a duplicate
// delivery of the same decrypt job, leaves the row alone and returns false.
func (s *SettlementStore) UpdateDecryptedTotals(ctx context.Context, marketID string, onChainID int64, totals domain.DecryptedTotals, proof []byte) (bool, error) {
	const query = `
		INSERT INTO settlements (market_id, on_chain_market_id, yes_total, no_total, proof, decrypted_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, NOW(), NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			yes_total    = EXCLUDED.yes_total,
			no_total     = EXCLUDED.no_total,
			proof        = EXCLUDED.proof,
			decrypted_at = EXCLUDED.decrypted_at,
			updated_at   = NOW()
		WHERE settlements.yes_total IS NULL`

	tag, err := s.pool.Exec(ctx, query,
		marketID, onChainID,
		strconv.FormatUint(totals.Yes, 10), strconv.FormatUint(totals.No, 10),
		proof,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: update decrypted totals of %s: %w", marketID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPayoutAuthorized records the authorization transaction hash.
func (s *SettlementStore) MarkPayoutAuthorized(ctx context.Context, marketID string, txHash string) error {
	const query = `UPDATE settlements SET payout_tx = $2, updated_at = NOW() WHERE market_id = $1`

	tag, err := s.pool.Exec(ctx, query, marketID, txHash)
	if err != nil {
		return fmt.Errorf("postgres: mark payout authorized %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark payout authorized %s: %w", marketID, domain.ErrNotFound)
	}
	return nil
}

// Freeze blocks payout for a market until an operator intervenes. The
// on-chain id is looked up from the market row so a frozen settlement can
// exist before any decryption.
func (s *SettlementStore) Freeze(ctx context.Context, marketID string, reason string) error {
	const query = `
		INSERT INTO settlements (market_id, on_chain_market_id, frozen, frozen_reason, updated_at)
		SELECT id, COALESCE(on_chain_id, -1), TRUE, $2, NOW() FROM markets WHERE id = $1
		ON CONFLICT (market_id) DO UPDATE SET
			frozen        = TRUE,
			frozen_reason = EXCLUDED.frozen_reason,
			updated_at    = NOW()`

	if _, err := s.pool.Exec(ctx, query, marketID, reason); err != nil {
		return fmt.Errorf("postgres: freeze settlement %s: %w", marketID, err)
	}
	return nil
}

var _ domain.SettlementStore = (*SettlementStore)(nil)
