package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// Claimer submits payout claims and reads operator approvals.
type Claimer interface {
	Claim(ctx context.Context, wallet, marketID string) (string, error)
	OperatorApproved(ctx context.Context, wallet string) (bool, error)
}

// ClaimHandler serves the payout claim endpoints.
type ClaimHandler struct {
	claims Claimer
	logger *slog.Logger
}

// NewClaimHandler creates a ClaimHandler.
func NewClaimHandler(claims Claimer, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{claims: claims, logger: logger}
}

type claimRequest struct {
	Wallet   string `json:"wallet"`
	MarketID string `json:"marketId"`
}

// Claim submits the payout claim of a wallet on a resolved market.
// POST /api/claims
func (h *ClaimHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !common.IsHexAddress(req.Wallet) {
		writeError(w, http.StatusBadRequest, "wallet must be a hex address")
		return
	}
	if req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "marketId is required")
		return
	}

	tx, err := h.claims.Claim(r.Context(), req.Wallet, req.MarketID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txHash": tx})
}

// Approval reports whether a wallet has approved the market contract as
// operator.
// GET /api/operators/{wallet}
func (h *ClaimHandler) Approval(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")
	if !common.IsHexAddress(wallet) {
		writeError(w, http.StatusBadRequest, "wallet must be a hex address")
		return
	}
	ok, err := h.claims.OperatorApproved(r.Context(), wallet)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": wallet, "approved": ok})
}
