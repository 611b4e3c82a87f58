// Package settlement runs the confidential payout path: decrypting a
// resolved market's encrypted stake totals, authorizing the payout on the
// ledger, and gating user claims on operator approval.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/queue"
)

// DefaultMaxAttempts is the decryption attempt cap carried in the payload.
const DefaultMaxAttempts = 3

// Enqueuer schedules the next decryption attempt.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload queue.Payload, opts ...queue.EnqueueOption) (domain.Job, error)
}

// DecrypterConfig configures a Decrypter.
type DecrypterConfig struct {
	// Queue is the decrypt-totals queue name re-enqueued on failure.
	Queue string
	// MaxAttempts caps the payload's attempt counter.
	MaxAttempts int
	// RetryDelay is the base delay before re-running a failed attempt,
	// doubled per attempt.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// Decrypter handles decrypt-totals jobs.
type Decrypter struct {
	cfg         DecrypterConfig
	backoff     queue.Backoff
	ledger      domain.Ledger
	decryptor   domain.Decryptor
	markets     domain.MarketStore
	settlements domain.SettlementStore
	audit       domain.AuditStore
	alerter     domain.Alerter
	enqueuer    Enqueuer
	logger      *slog.Logger
}

// NewDecrypter creates a Decrypter.
func NewDecrypter(
	cfg DecrypterConfig,
	ledger domain.Ledger,
	decryptor domain.Decryptor,
	markets domain.MarketStore,
	settlements domain.SettlementStore,
	audit domain.AuditStore,
	alerter domain.Alerter,
	enqueuer Enqueuer,
	logger *slog.Logger,
) *Decrypter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 10 * time.Minute
	}
	return &Decrypter{
		cfg:         cfg,
		backoff:     queue.Backoff{Base: cfg.RetryDelay, Max: cfg.MaxRetryDelay},
		ledger:      ledger,
		decryptor:   decryptor,
		markets:     markets,
		settlements: settlements,
		audit:       audit,
		alerter:     alerter,
		enqueuer:    enqueuer,
		logger:      logger.With(slog.String("component", "settlement")),
	}
}

// Handle runs one decryption attempt. A failed decryption or ledger read
// re-enqueues the job with attempt+1 and returns nil; at the cap it returns
// a permanent error so the runtime fails the job and fires OnFailed.
func (d *Decrypter) Handle(ctx context.Context, state domain.EncryptedBalanceJobState) error {
	log := d.logger.With(
		slog.String("market_id", state.MarketID),
		slog.Int64("on_chain_id", state.OnChainMarketID),
		slog.Int("attempt", state.Attempt),
	)

	if state.Attempt >= d.cfg.MaxAttempts {
		return queue.Permanent(fmt.Errorf("settlement: attempt %d exceeds cap %d", state.Attempt, d.cfg.MaxAttempts))
	}

	st, err := d.settlements.Get(ctx, state.MarketID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("settlement: load: %w", err)
	}
	if st.Frozen {
		return queue.Permanent(fmt.Errorf("settlement: market %s: %w", state.MarketID, domain.ErrSettlementFrozen))
	}

	m, err := d.markets.GetByID(ctx, state.MarketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("settlement: %w", err))
		}
		return fmt.Errorf("settlement: load market: %w", err)
	}
	if m.Result == nil || *m.Result == domain.ResultInvalid {
		return queue.Permanent(fmt.Errorf("settlement: market %s has no payable result", state.MarketID))
	}

	if !st.Decrypted() {
		totals, proof, err := d.decrypt(ctx, state.OnChainMarketID)
		if err != nil {
			return d.retryOrFail(ctx, log, state, err)
		}

		wrote, err := d.settlements.UpdateDecryptedTotals(ctx, state.MarketID, state.OnChainMarketID, totals, proof)
		if err != nil {
			return fmt.Errorf("settlement: store totals: %w", err)
		}
		if wrote {
			log.InfoContext(ctx, "decrypted totals stored",
				slog.Uint64("yes_total", totals.Yes),
				slog.Uint64("no_total", totals.No),
			)
			d.auditLog(ctx, "settlement.totals_decrypted", map[string]any{
				"market_id": state.MarketID, "yes_total": totals.Yes, "no_total": totals.No, "attempt": state.Attempt,
			})
		}
		if st, err = d.settlements.Get(ctx, state.MarketID); err != nil {
			return fmt.Errorf("settlement: reload: %w", err)
		}
	}

	return d.authorize(ctx, log, st, *m.Result)
}

// decrypt reads the encrypted totals and has the relayer decrypt them.
func (d *Decrypter) decrypt(ctx context.Context, onChainID int64) (domain.DecryptedTotals, []byte, error) {
	enc, err := d.ledger.ReadEncryptedTotals(ctx, onChainID)
	if err != nil {
		return domain.DecryptedTotals{}, nil, fmt.Errorf("read encrypted totals: %w", err)
	}
	res, err := d.decryptor.PublicDecrypt(ctx, enc.Handles())
	if err != nil {
		return domain.DecryptedTotals{}, nil, fmt.Errorf("public decrypt: %w", err)
	}
	if len(res.Values) != 2 {
		return domain.DecryptedTotals{}, nil, fmt.Errorf("public decrypt: expected 2 values, got %d", len(res.Values))
	}
	return domain.DecryptedTotals{Yes: res.Values[0], No: res.Values[1]}, res.Proof, nil
}

// authorize submits the payout authorization unless the ledger already
// has it.
func (d *Decrypter) authorize(ctx context.Context, log *slog.Logger, st domain.Settlement, outcome domain.Result) error {
	if st.PayoutAuthorizeTx != "" {
		return nil
	}
	done, err := d.ledger.IsPayoutAuthorized(ctx, st.OnChainMarketID)
	if err != nil {
		return ledgerErr("check payout authorization", err)
	}
	if done {
		log.InfoContext(ctx, "payout already authorized on ledger")
		return nil
	}

	tx, err := d.ledger.AuthorizePayout(ctx, st.OnChainMarketID, outcome, *st.Totals, st.Proof)
	if err != nil {
		return ledgerErr("authorize payout", err)
	}
	if err := d.settlements.MarkPayoutAuthorized(ctx, st.MarketID, tx); err != nil {
		return fmt.Errorf("settlement: record payout tx %s: %w", tx, err)
	}
	log.InfoContext(ctx, "payout authorized", slog.String("tx", tx), slog.String("outcome", string(outcome)))
	d.auditLog(ctx, "settlement.payout_authorized", map[string]any{
		"market_id": st.MarketID, "tx": tx, "outcome": string(outcome),
	})
	return nil
}

// retryOrFail re-enqueues the next attempt or, at the cap, fails the job.
func (d *Decrypter) retryOrFail(ctx context.Context, log *slog.Logger, state domain.EncryptedBalanceJobState, cause error) error {
	if errors.Is(cause, domain.ErrPermanentLedger) {
		return queue.Permanent(fmt.Errorf("settlement: %w", cause))
	}

	next := state
	next.Attempt++
	if next.Attempt >= d.cfg.MaxAttempts {
		return queue.Permanent(fmt.Errorf("settlement: decryption of market %s failed after %d attempts: %w",
			state.MarketID, next.Attempt, cause))
	}

	// One job id per (market, attempt): a redelivered attempt must not fork
	// a second retry chain.
	delay := d.backoff.Delay(next.Attempt)
	id := fmt.Sprintf("%s:%s:%d", d.cfg.Queue, state.MarketID, next.Attempt)
	_, err := d.enqueuer.Enqueue(ctx, d.cfg.Queue, next, queue.WithDelay(delay), queue.WithJobID(id))
	if errors.Is(err, domain.ErrAlreadyExists) {
		log.InfoContext(ctx, "next attempt already scheduled", slog.Int("next_attempt", next.Attempt))
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: re-enqueue attempt %d: %w (after %v)", next.Attempt, err, cause)
	}
	log.WarnContext(ctx, "decryption failed, next attempt scheduled",
		slog.Int("next_attempt", next.Attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
	return nil
}

// OnFailed escalates a permanently failed decrypt-totals job. It matches
// queue.FailedFunc.
func (d *Decrypter) OnFailed(ctx context.Context, job domain.Job, err error) {
	var state domain.EncryptedBalanceJobState
	_ = json.Unmarshal(job.Payload, &state)

	d.logger.ErrorContext(ctx, "settlement needs manual intervention",
		slog.String("job_id", job.ID),
		slog.String("market_id", state.MarketID),
		slog.Int64("on_chain_id", state.OnChainMarketID),
		slog.Int("attempt", state.Attempt),
		slog.String("error", err.Error()),
	)
	d.auditLog(ctx, "settlement.decrypt_failed", map[string]any{
		"job_id":      job.ID,
		"market_id":   state.MarketID,
		"on_chain_id": state.OnChainMarketID,
		"attempt":     state.Attempt,
		"error":       err.Error(),
	})
	if d.alerter != nil {
		msg := fmt.Sprintf("market %s (on-chain %d) attempt %d: %v", state.MarketID, state.OnChainMarketID, state.Attempt, err)
		if aerr := d.alerter.Notify(ctx, "settlement_failed", "Settlement needs manual intervention", msg); aerr != nil {
			d.logger.WarnContext(ctx, "settlement alert failed", slog.String("error", aerr.Error()))
		}
	}
}

func (d *Decrypter) auditLog(ctx context.Context, event string, detail map[string]any) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Log(ctx, event, detail); err != nil {
		d.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// ledgerErr marks reverted and out-of-gas failures permanent; network
// failures stay retryable by the runtime.
func ledgerErr(op string, err error) error {
	wrapped := fmt.Errorf("settlement: %s: %w", op, err)
	if errors.Is(err, domain.ErrPermanentLedger) {
		return queue.Permanent(wrapped)
	}
	return wrapped
}
