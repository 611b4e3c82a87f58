package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// ClaimService relays payout claims for users whose market has decrypted
// totals and who have approved the market contract as operator.
type ClaimService struct {
	ledger      domain.Ledger
	settlements domain.SettlementStore
	audit       domain.AuditStore
	logger      *slog.Logger
}

// NewClaimService creates a ClaimService.
func NewClaimService(ledger domain.Ledger, settlements domain.SettlementStore, audit domain.AuditStore, logger *slog.Logger) *ClaimService {
	return &ClaimService{
		ledger:      ledger,
		settlements: settlements,
		audit:       audit,
		logger:      logger.With(slog.String("component", "claims")),
	}
}

// OperatorApproved reads the wallet's current approval of the market
// contract from the ledger.
func (s *ClaimService) OperatorApproved(ctx context.Context, wallet string) (bool, error) {
	ok, err := s.ledger.IsOperatorApproved(ctx, wallet, s.ledger.MarketContract())
	if err != nil {
		return false, fmt.Errorf("claims: operator approval of %s: %w", wallet, err)
	}
	return ok, nil
}

// Claim submits the payout claim of wallet on marketID and returns the
// transaction hash. It fails with domain.ErrNoDecryptedTotal before the
// totals are decrypted and with domain.ErrOperatorNotApproved until the
// wallet has approved the market contract.
func (s *ClaimService) Claim(ctx context.Context, wallet, marketID string) (string, error) {
	st, err := s.settlements.Get(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("claims: market %s: %w", marketID, domain.ErrNoDecryptedTotal)
	}
	if err != nil {
		return "", fmt.Errorf("claims: load settlement: %w", err)
	}
	if st.Frozen {
		return "", fmt.Errorf("claims: market %s: %w", marketID, domain.ErrSettlementFrozen)
	}
	if !st.Decrypted() {
		return "", fmt.Errorf("claims: market %s: %w", marketID, domain.ErrNoDecryptedTotal)
	}

	approved, err := s.OperatorApproved(ctx, wallet)
	if err != nil {
		return "", err
	}
	if !approved {
		return "", fmt.Errorf("claims: wallet %s: %w", wallet, domain.ErrOperatorNotApproved)
	}

	tx, err := s.ledger.ClaimPayout(ctx, st.OnChainMarketID, wallet)
	if err != nil {
		return "", fmt.Errorf("claims: claim payout: %w", err)
	}

	s.logger.InfoContext(ctx, "payout claimed",
		slog.String("market_id", marketID),
		slog.String("wallet", wallet),
		slog.String("tx", tx),
	)
	if s.audit != nil {
		if err := s.audit.Log(ctx, "settlement.payout_claimed", map[string]any{
			"market_id": marketID, "wallet": wallet, "tx": tx,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return tx, nil
}
