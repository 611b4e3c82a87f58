package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/jobs"
	"github.com/alanyoungcy/marketforge/internal/queue"
	"github.com/alanyoungcy/marketforge/internal/testutil"
)

func utc(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestScheduleNext(t *testing.T) {
	cases := []struct {
		expr  string
		after string
		want  string
	}{
		{"0 3 * * *", "2026-03-01 02:59", "2026-03-01 03:00"},
		{"0 3 * * *", "2026-03-01 03:00", "2026-03-02 03:00"},
		{"*/15 * * * *", "2026-03-01 10:07", "2026-03-01 10:15"},
		{"0 9-17/4 * * *", "2026-03-01 09:30", "2026-03-01 13:00"},
		{"30 6 1,15 * *", "2026-03-02 00:00", "2026-03-15 06:30"},
		{"0 0 * * 1", "2026-03-01 12:00", "2026-03-02 00:00"}, // 2026-03-02 is a Monday
	}
	for _, tc := range cases {
		t.Run(tc.expr+"@"+tc.after, func(t *testing.T) {
			s, err := ParseCron(tc.expr)
			require.NoError(t, err)
			got, err := s.Next(utc(tc.after))
			require.NoError(t, err)
			assert.Equal(t, utc(tc.want), got)
		})
	}
}

func TestParseCronErrors(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "* 24 * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}

	s, err := ParseCron("0 0 31 2 *")
	require.NoError(t, err)
	_, err = s.Next(utc("2026-01-01 00:00"))
	assert.Error(t, err, "February 31st never comes")
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.Payload
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, _ string, p queue.Payload, _ ...queue.EnqueueOption) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, p)
	return domain.Job{ID: "j"}, nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// memLocks is a LockManager whose locks never expire within a test.
type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

func expiredMarkets() *testutil.MarketStore {
	past := time.Now().Add(-time.Hour)
	yes := domain.ResultYes
	return testutil.NewMarketStore(
		domain.Market{ID: "a", ExpiresAt: past},
		domain.Market{ID: "b", ExpiresAt: past.Add(time.Minute)},
		domain.Market{ID: "resolved", ExpiresAt: past, Result: &yes},
		domain.Market{ID: "future", ExpiresAt: time.Now().Add(time.Hour)},
		domain.Market{ID: "review", ExpiresAt: past, NeedsReview: true},
	)
}

func TestSweep_EnqueuesEachExpiredMarketOncePerInterval(t *testing.T) {
	locks := &memLocks{held: map[string]bool{}}
	store := expiredMarkets()

	// Two replicas sharing the lock manager.
	enqA, enqB := &recordingEnqueuer{}, &recordingEnqueuer{}
	cfg := Config{GenerateCron: "0 * * * *", ResolveEvery: time.Minute}
	a, err := New(cfg, enqA, store, locks, testutil.Logger())
	require.NoError(t, err)
	b, err := New(cfg, enqB, store, locks, testutil.Logger())
	require.NoError(t, err)

	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []queue.Payload{
		jobs.ResolveMarketPayload{MarketID: "a"},
		jobs.ResolveMarketPayload{MarketID: "b"},
	}, enqA.jobs)

	n, err = b.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueGeneration(t *testing.T) {
	enq := &recordingEnqueuer{}
	s, err := New(Config{GenerateCron: "0 */6 * * *", GenerateCount: 5, Timeframe: "1-4 weeks", Categories: []string{"crypto"}},
		enq, testutil.NewMarketStore(), &memLocks{held: map[string]bool{}}, testutil.Logger())
	require.NoError(t, err)

	require.NoError(t, s.EnqueueGeneration(context.Background()))
	assert.Equal(t, []queue.Payload{
		jobs.GenerateMarketPayload{Count: 5, Timeframe: "1-4 weeks", Categories: []string{"crypto"}},
	}, enq.jobs)
}

func TestRun_ImmediateGenerationAndSweep(t *testing.T) {
	enq := &recordingEnqueuer{}
	s, err := New(Config{GenerateCron: "0 0 1 1 *", GenerateCount: 1, Timeframe: "1 day", ResolveEvery: time.Hour, RunImmediately: true},
		enq, expiredMarkets(), &memLocks{held: map[string]bool{}}, testutil.Logger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return enq.count() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestNewRejectsBadCron(t *testing.T) {
	_, err := New(Config{GenerateCron: "every hour"}, &recordingEnqueuer{}, testutil.NewMarketStore(), &memLocks{}, testutil.Logger())
	assert.Error(t, err)
}
