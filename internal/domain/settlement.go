package domain

import "time"

// EncryptedBalanceJobState is the payload of a decrypt-totals job. Attempt
// starts at 0 and is incremented by the job itself on each re-enqueue so
// that decryption retries survive queue restarts.
type EncryptedBalanceJobState struct {
	MarketID        string `json:"marketId"`
	OnChainMarketID int64  `json:"onChainMarketId"`
	Attempt         int    `json:"attempt"`
}

// Validate checks the payload fields.
func (s EncryptedBalanceJobState) Validate() error {
	if s.MarketID == "" {
		return Invalid("marketId", "required")
	}
	if s.OnChainMarketID < 0 {
		return Invalid("onChainMarketId", "must be >= 0")
	}
	if s.Attempt < 0 {
		return Invalid("attempt", "must be >= 0")
	}
	return nil
}

// EncryptedTotals are the FHE ciphertext handles of a market's stake totals.
type EncryptedTotals struct {
	YesHandle string
	NoHandle  string
}

// Handles returns the handles in the order the relayer returns values.
func (t EncryptedTotals) Handles() []string {
	return []string{t.YesHandle, t.NoHandle}
}

// DecryptedTotals are the cleartext stake totals of a market.
type DecryptedTotals struct {
	Yes uint64
	No  uint64
}

// DecryptionResult is a relayer answer: one value per requested handle
// plus the KMS signatures proving the decryption.
type DecryptionResult struct {
	Values []uint64
	Proof  []byte
}

// Settlement is the off-chain record of a market's confidential payout.
type Settlement struct {
	MarketID          string
	OnChainMarketID   int64
	Totals            *DecryptedTotals
	Proof             []byte
	DecryptedAt       *time.Time
	PayoutAuthorizeTx string
	Frozen            bool
	FrozenReason      string
	UpdatedAt         time.Time
}

// Decrypted reports whether totals have been persisted.
func (s Settlement) Decrypted() bool {
	return s.Totals != nil
}
