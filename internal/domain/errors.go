package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// ErrTransientProvider covers network failures, 5xx and 429 answers from
	// any upstream. The queue runtime retries these with backoff.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrProviderUnavailable is returned by price, sports and search
	// providers that could not be reached.
	ErrProviderUnavailable = fmt.Errorf("provider unavailable: %w", ErrTransientProvider)
	// ErrAIProvider is returned when the AI upstream fails a call.
	ErrAIProvider = errors.New("ai provider error")

	ErrPermanentLedger = errors.New("permanent ledger error")

	ErrAlreadyResolved     = errors.New("market already resolved")
	ErrOperatorNotApproved = errors.New("operator not approved: run the operator approval flow before claiming")
	ErrNoDecryptedTotal    = errors.New("no decrypted total available yet")
	ErrSettlementFrozen    = errors.New("settlement frozen pending manual review")
)

// ValidationError describes a malformed record, typically an AI-generated
// market candidate. It is handled where it occurs and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// LedgerErrorKind classifies failures from the ledger collaborator.
type LedgerErrorKind string

const (
	LedgerReverted        LedgerErrorKind = "reverted"
	LedgerInsufficientGas LedgerErrorKind = "insufficient_gas"
	LedgerNetwork         LedgerErrorKind = "network"
)

// LedgerError wraps a failure from a contract call or transaction.
type LedgerError struct {
	Kind LedgerErrorKind
	Op   string
	Err  error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// Is reports reverted and out-of-gas failures as ErrPermanentLedger and
// network failures as ErrTransientProvider.
func (e *LedgerError) Is(target error) bool {
	switch target {
	case ErrPermanentLedger:
		return e.Kind == LedgerReverted || e.Kind == LedgerInsufficientGas
	case ErrTransientProvider:
		return e.Kind == LedgerNetwork
	}
	return false
}
