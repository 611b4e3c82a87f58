package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Ledger is a scriptable domain.Ledger.
type Ledger struct {
	mu sync.Mutex

	Totals     domain.EncryptedTotals
	ReadErr    error
	Authorized map[int64]bool
	AuthErr    error
	Approved   map[string]bool
	ClaimErr   error

	AuthorizeCalls []domain.DecryptedTotals
	Claims         []string
}

func NewLedger() *Ledger {
	return &Ledger{
		Totals: domain.EncryptedTotals{
			YesHandle: "0x" + fmt.Sprintf("%064x", 1),
			NoHandle:  "0x" + fmt.Sprintf("%064x", 2),
		},
		Authorized: make(map[int64]bool),
		Approved:   make(map[string]bool),
	}
}

const ledgerContract = "0x00000000000000000000000000000000000000aa"

func (l *Ledger) MarketContract() string { return ledgerContract }

func (l *Ledger) ReadEncryptedTotals(context.Context, int64) (domain.EncryptedTotals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Totals, l.ReadErr
}

func (l *Ledger) IsPayoutAuthorized(_ context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Authorized[id], nil
}

func (l *Ledger) AuthorizePayout(_ context.Context, id int64, _ domain.Result, totals domain.DecryptedTotals, _ []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AuthErr != nil {
		return "", l.AuthErr
	}
	l.AuthorizeCalls = append(l.AuthorizeCalls, totals)
	l.Authorized[id] = true
	return fmt.Sprintf("0xauth%d", id), nil
}

func (l *Ledger) IsOperatorApproved(_ context.Context, wallet, contract string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return contract == ledgerContract && l.Approved[wallet], nil
}

// Approve flips the operator approval of wallet.
func (l *Ledger) Approve(wallet string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Approved[wallet] = true
}

func (l *Ledger) ClaimPayout(_ context.Context, id int64, wallet string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ClaimErr != nil {
		return "", l.ClaimErr
	}
	l.Claims = append(l.Claims, wallet)
	return fmt.Sprintf("0xclaim%d", id), nil
}

// Decryptor fails the first Failures calls, then returns Values.
type Decryptor struct {
	mu       sync.Mutex
	Failures int
	Err      error
	Values   []uint64
	Calls    int
}

func (d *Decryptor) PublicDecrypt(_ context.Context, handles []string) (domain.DecryptionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.Calls <= d.Failures {
		err := d.Err
		if err == nil {
			err = fmt.Errorf("relayer: %w", domain.ErrTransientProvider)
		}
		return domain.DecryptionResult{}, err
	}
	return domain.DecryptionResult{Values: d.Values, Proof: []byte{0x01}}, nil
}

var (
	_ domain.Ledger    = (*Ledger)(nil)
	_ domain.Decryptor = (*Decryptor)(nil)
)
