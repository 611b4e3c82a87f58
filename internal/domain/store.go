package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets and their resolution fields.
type MarketStore interface {
	// InsertMarkets writes all markets in one batch and returns them with
	// store-assigned timestamps.
	InsertMarkets(ctx context.Context, markets []Market) ([]Market, error)
	GetByID(ctx context.Context, id string) (Market, error)
	// UpdateResolution writes the four resolution fields in one statement,
	// only while result is still null. It reports whether the write applied.
	UpdateResolution(ctx context.Context, id string, res Resolution) (bool, error)
	UpdateImage(ctx context.Context, id string, path string) error
	FlagForReview(ctx context.Context, id string, reason string) error
	ListExpiredUnresolved(ctx context.Context, now time.Time, limit int) ([]Market, error)
}

// SettlementStore persists decrypted totals and payout authorization state.
type SettlementStore interface {
	Get(ctx context.Context, marketID string) (Settlement, error)
	// UpdateDecryptedTotals stores totals only if none are stored yet and
	// reports whether this call wrote them.
	UpdateDecryptedTotals(ctx context.Context, marketID string, onChainID int64, totals DecryptedTotals, proof []byte) (bool, error)
	MarkPayoutAuthorized(ctx context.Context, marketID string, txHash string) error
	Freeze(ctx context.Context, marketID string, reason string) error
}

// ProfileStore persists user profile fields touched by background jobs.
type ProfileStore interface {
	UpdateAvatar(ctx context.Context, userID string, path string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
