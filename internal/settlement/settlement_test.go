package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/queue"
	"github.com/alanyoungcy/marketforge/internal/testutil"
)

const (
	decryptQueue = "decrypt-totals"
	wallet       = "0x00000000000000000000000000000000000000cc"
)

type fixture struct {
	markets     *testutil.MarketStore
	settlements *testutil.SettlementStore
	audit       *testutil.AuditStore
	alerts      *testutil.Alerts
	ledger      *testutil.Ledger
	decryptor   *testutil.Decryptor
}

func newFixture(result domain.Result) *fixture {
	onChain := int64(7)
	m := domain.Market{ID: "m1", OnChainID: &onChain}
	if result != "" {
		m.Result = &result
	}
	return &fixture{
		markets:     testutil.NewMarketStore(m),
		settlements: testutil.NewSettlementStore(),
		audit:       &testutil.AuditStore{},
		alerts:      &testutil.Alerts{},
		ledger:      testutil.NewLedger(),
		decryptor:   &testutil.Decryptor{Values: []uint64{1500, 2500}},
	}
}

func (f *fixture) decrypter(enq Enqueuer) *Decrypter {
	return NewDecrypter(
		DecrypterConfig{Queue: decryptQueue, MaxAttempts: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond},
		f.ledger, f.decryptor, f.markets, f.settlements, f.audit, f.alerts, enq, testutil.Logger(),
	)
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []domain.EncryptedBalanceJobState
	err  error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, _ string, p queue.Payload, _ ...queue.EnqueueOption) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.Job{}, r.err
	}
	r.jobs = append(r.jobs, p.(domain.EncryptedBalanceJobState))
	return domain.Job{}, nil
}

var state0 = domain.EncryptedBalanceJobState{MarketID: "m1", OnChainMarketID: 7, Attempt: 0}

// newDecryptRuntime wires the decrypter into a runtime that is not yet
// running. The counter tracks OnFailed calls.
func newDecryptRuntime(t *testing.T, f *fixture) (*queue.Runtime, *queue.MemoryStore, *Decrypter, *atomic.Int32) {
	t.Helper()
	store := queue.NewMemoryStore()
	rt := queue.NewRuntime([]queue.Config{{Name: decryptQueue, Concurrency: 1}}, queue.Options{
		Store:        store,
		Metrics:      queue.NewMetrics(prometheus.NewRegistry()),
		Logger:       testutil.Logger(),
		Backoff:      queue.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		MaxAttempts:  3,
		PollInterval: 2 * time.Millisecond,
		StaleAfter:   time.Minute,
	})
	d := f.decrypter(rt)

	var failed atomic.Int32
	_, err := rt.CreateWorker(decryptQueue,
		queue.Typed(func(ctx context.Context, _ domain.Job, p domain.EncryptedBalanceJobState) error {
			return d.Handle(ctx, p)
		}),
		queue.WorkerOptions{OnFailed: func(ctx context.Context, job domain.Job, err error) {
			failed.Add(1)
			d.OnFailed(ctx, job, err)
		}},
	)
	require.NoError(t, err)
	return rt, store, d, &failed
}

func startDecryptRuntime(t *testing.T, rt *queue.Runtime) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rt.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// runDecryptQueue starts a decrypt runtime seeded with the first attempt.
func runDecryptQueue(t *testing.T, f *fixture) (*queue.MemoryStore, *atomic.Int32) {
	t.Helper()
	rt, store, _, failed := newDecryptRuntime(t, f)
	startDecryptRuntime(t, rt)

	_, err := rt.Enqueue(context.Background(), decryptQueue, state0)
	require.NoError(t, err)
	return store, failed
}

func TestDecrypt_CapExhaustedFailsOnce(t *testing.T) {
	f := newFixture(domain.ResultYes)
	f.decryptor.Failures = 100

	store, failed := runDecryptQueue(t, f)

	require.Eventually(t, func() bool { return failed.Load() == 1 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), failed.Load(), "onFailed fires exactly once")
	assert.Equal(t, 3, f.decryptor.Calls)
	assert.Equal(t, 1, f.alerts.Count("settlement_failed"))
	assert.Zero(t, f.settlements.TotalsWrites)

	var states []domain.JobState
	for _, j := range store.Jobs(decryptQueue) {
		states = append(states, j.State)
	}
	assert.ElementsMatch(t, []domain.JobState{domain.JobCompleted, domain.JobCompleted, domain.JobFailed}, states)

	entries, _ := f.audit.List(context.Background(), domain.ListOpts{})
	require.NotEmpty(t, entries)
	assert.Equal(t, "settlement.decrypt_failed", entries[len(entries)-1].Event)
	assert.Equal(t, 2, entries[len(entries)-1].Detail["attempt"])
}

func TestDecrypt_SuccessWithinCapPersistsOnce(t *testing.T) {
	f := newFixture(domain.ResultYes)
	f.decryptor.Failures = 1

	_, failed := runDecryptQueue(t, f)

	require.Eventually(t, func() bool {
		st, err := f.settlements.Get(context.Background(), "m1")
		return err == nil && st.PayoutAuthorizeTx != ""
	}, 3*time.Second, 5*time.Millisecond)

	assert.Zero(t, failed.Load())
	assert.Equal(t, 2, f.decryptor.Calls)
	assert.Equal(t, 1, f.settlements.TotalsWrites)
	require.Len(t, f.ledger.AuthorizeCalls, 1)
	assert.Equal(t, domain.DecryptedTotals{Yes: 1500, No: 2500}, f.ledger.AuthorizeCalls[0])

	// A redelivered job finds the totals and does nothing more.
	require.NoError(t, f.decrypter(&recordingEnqueuer{}).Handle(context.Background(), state0))
	assert.Equal(t, 2, f.decryptor.Calls)
	assert.Equal(t, 1, f.settlements.TotalsWrites)
	assert.Len(t, f.ledger.AuthorizeCalls, 1)
}

func TestDecrypt_FailureReenqueuesNextAttempt(t *testing.T) {
	f := newFixture(domain.ResultNo)
	f.decryptor.Failures = 1
	enq := &recordingEnqueuer{}

	require.NoError(t, f.decrypter(enq).Handle(context.Background(), state0))
	require.Len(t, enq.jobs, 1)
	assert.Equal(t, 1, enq.jobs[0].Attempt)
	assert.Equal(t, "m1", enq.jobs[0].MarketID)
}

func TestDecrypt_RedeliveredAttemptKeepsOneRetryChain(t *testing.T) {
	f := newFixture(domain.ResultYes)
	f.decryptor.Failures = 100

	rt, store, d, failed := newDecryptRuntime(t, f)

	// The same attempt delivered twice schedules attempt 1 only once.
	require.NoError(t, d.Handle(context.Background(), state0))
	require.NoError(t, d.Handle(context.Background(), state0))
	jobs := store.Jobs(decryptQueue)
	require.Len(t, jobs, 1)
	assert.Equal(t, "decrypt-totals:m1:1", jobs[0].ID)

	startDecryptRuntime(t, rt)

	require.Eventually(t, func() bool { return failed.Load() == 1 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), failed.Load())
	assert.Equal(t, 1, f.alerts.Count("settlement_failed"))
	assert.Equal(t, 4, f.decryptor.Calls)
	assert.Len(t, store.Jobs(decryptQueue), 2)
}

func TestDecrypt_LastAttemptIsPermanent(t *testing.T) {
	f := newFixture(domain.ResultYes)
	f.decryptor.Failures = 1
	enq := &recordingEnqueuer{}

	last := state0
	last.Attempt = 2
	err := f.decrypter(enq).Handle(context.Background(), last)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.Empty(t, enq.jobs)
}

func TestDecrypt_EnqueueFailureIsRetryable(t *testing.T) {
	f := newFixture(domain.ResultYes)
	f.decryptor.Failures = 1
	enq := &recordingEnqueuer{err: errors.New("db down")}

	err := f.decrypter(enq).Handle(context.Background(), state0)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestDecrypt_PermanentLedgerErrorSkipsRetries(t *testing.T) {
	f := newFixture(domain.ResultYes)
	f.ledger.ReadErr = &domain.LedgerError{Kind: domain.LedgerReverted, Op: "encryptedTotals", Err: errors.New("execution reverted")}
	enq := &recordingEnqueuer{}

	err := f.decrypter(enq).Handle(context.Background(), state0)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrPermanentLedger)
	assert.Empty(t, enq.jobs)
}

func TestDecrypt_AuthorizeNetworkErrorIsRetryable(t *testing.T) {
	f := newFixture(domain.ResultYes)
	f.ledger.AuthErr = &domain.LedgerError{Kind: domain.LedgerNetwork, Op: "authorizePayout", Err: errors.New("timeout")}

	err := f.decrypter(&recordingEnqueuer{}).Handle(context.Background(), state0)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, 1, f.settlements.TotalsWrites, "totals persist before authorization")

	f.ledger.AuthErr = nil
	require.NoError(t, f.decrypter(&recordingEnqueuer{}).Handle(context.Background(), state0))
	assert.Equal(t, 1, f.decryptor.Calls, "retry reuses the stored totals")
	assert.Len(t, f.ledger.AuthorizeCalls, 1)
}

func TestDecrypt_RefusesUnpayableMarkets(t *testing.T) {
	for _, r := range []domain.Result{domain.ResultInvalid, ""} {
		t.Run(fmt.Sprintf("result=%q", r), func(t *testing.T) {
			f := newFixture(r)
			err := f.decrypter(&recordingEnqueuer{}).Handle(context.Background(), state0)
			assert.True(t, queue.IsPermanent(err))
			assert.Zero(t, f.decryptor.Calls)
		})
	}
}

func TestDecrypt_FrozenSettlement(t *testing.T) {
	f := newFixture(domain.ResultYes)
	require.NoError(t, f.settlements.Freeze(context.Background(), "m1", "manual review"))

	err := f.decrypter(&recordingEnqueuer{}).Handle(context.Background(), state0)
	assert.ErrorIs(t, err, domain.ErrSettlementFrozen)
	assert.True(t, queue.IsPermanent(err))
}

func TestClaim_RequiresOperatorApproval(t *testing.T) {
	f := newFixture(domain.ResultYes)
	claims := NewClaimService(f.ledger, f.settlements, f.audit, testutil.Logger())
	ctx := context.Background()

	_, err := claims.Claim(ctx, wallet, "m1")
	assert.ErrorIs(t, err, domain.ErrNoDecryptedTotal)

	_, err = f.settlements.UpdateDecryptedTotals(ctx, "m1", 7, domain.DecryptedTotals{Yes: 1, No: 2}, nil)
	require.NoError(t, err)

	_, err = claims.Claim(ctx, wallet, "m1")
	assert.ErrorIs(t, err, domain.ErrOperatorNotApproved)
	assert.Empty(t, f.ledger.Claims)

	f.ledger.Approve(wallet)
	tx, err := claims.Claim(ctx, wallet, "m1")
	require.NoError(t, err)
	assert.Equal(t, "0xclaim7", tx)
	assert.Equal(t, []string{wallet}, f.ledger.Claims)
}

func TestClaim_FrozenSettlement(t *testing.T) {
	f := newFixture(domain.ResultInvalid)
	require.NoError(t, f.settlements.Freeze(context.Background(), "m1", "INVALID verdict"))
	f.ledger.Approve(wallet)

	_, err := NewClaimService(f.ledger, f.settlements, nil, testutil.Logger()).Claim(context.Background(), wallet, "m1")
	assert.ErrorIs(t, err, domain.ErrSettlementFrozen)
}
