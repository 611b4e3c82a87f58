package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	N int `json:"n"`
}

func (p testPayload) Validate() error {
	if p.N < 0 {
		return domain.Invalid("n", "must be >= 0")
	}
	return nil
}

const testQueue = "test-queue"

func newTestRuntime(t *testing.T, cfg Config) (*Runtime, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	rt := NewRuntime([]Config{cfg}, Options{
		Store:        store,
		Limiter:      NewLocalLimiter(),
		Metrics:      NewMetrics(prometheus.NewRegistry()),
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Backoff:      Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		MaxAttempts:  3,
		PollInterval: 5 * time.Millisecond,
		StaleAfter:   time.Minute,
	})
	return rt, store
}

func startRuntime(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("runtime did not stop")
		}
	})
}

func jobState(t *testing.T, store *MemoryStore, id string) domain.Job {
	t.Helper()
	j, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestRuntime_DeliversEveryJob(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 2})

	var mu sync.Mutex
	seen := map[int]int{}
	_, err := rt.CreateWorker(testQueue, Typed(func(_ context.Context, _ domain.Job, p testPayload) error {
		mu.Lock()
		seen[p.N]++
		mu.Unlock()
		return nil
	}), WorkerOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		job, err := rt.Enqueue(ctx, testQueue, testPayload{N: i})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if jobState(t, store, id).State != domain.JobCompleted {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 5; i++ {
		assert.GreaterOrEqual(t, seen[i], 1, "payload %d not delivered", i)
	}
}

func TestRuntime_ConcurrencyCap(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 2})

	var running, peak int32
	_, err := rt.CreateWorker(testQueue, func(_ context.Context, _ domain.Job) error {
		cur := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}, WorkerOptions{})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := rt.Enqueue(context.Background(), testQueue, testPayload{N: i})
		require.NoError(t, err)
	}
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		counts, _ := store.CountByState(context.Background(), testQueue)
		return counts[domain.JobCompleted] == 6
	}, 3*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "should not exceed queue concurrency")
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
}

func TestRuntime_ExhaustedRetriesFireOnFailedOnce(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 1})

	var calls, failed int32
	_, err := rt.CreateWorker(testQueue, func(_ context.Context, _ domain.Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}, WorkerOptions{
		OnFailed: func(_ context.Context, _ domain.Job, err error) {
			atomic.AddInt32(&failed, 1)
			assert.EqualError(t, err, "boom")
		},
	})
	require.NoError(t, err)

	job, err := rt.Enqueue(context.Background(), testQueue, testPayload{N: 1})
	require.NoError(t, err)
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		return jobState(t, store, job.ID).State == domain.JobFailed
	}, 3*time.Second, 10*time.Millisecond)
	// Give a straggling duplicate time to show up.
	time.Sleep(50 * time.Millisecond)

	got := jobState(t, store, job.ID)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&failed))
}

func TestRuntime_RetryThenSucceed(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 1})

	var calls, failed int32
	_, err := rt.CreateWorker(testQueue, func(_ context.Context, _ domain.Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return domain.ErrTransientProvider
		}
		return nil
	}, WorkerOptions{OnFailed: func(context.Context, domain.Job, error) { atomic.AddInt32(&failed, 1) }})
	require.NoError(t, err)

	job, err := rt.Enqueue(context.Background(), testQueue, testPayload{})
	require.NoError(t, err)
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		return jobState(t, store, job.ID).State == domain.JobCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&failed))
	assert.Equal(t, 3, jobState(t, store, job.ID).AttemptsMade)
}

func TestRuntime_PermanentErrorSkipsRetry(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 1})

	var calls, failed int32
	_, err := rt.CreateWorker(testQueue, func(_ context.Context, _ domain.Job) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(domain.ErrPermanentLedger)
	}, WorkerOptions{
		OnFailed: func(_ context.Context, _ domain.Job, err error) {
			assert.ErrorIs(t, err, domain.ErrPermanentLedger)
			atomic.AddInt32(&failed, 1)
		},
	})
	require.NoError(t, err)

	job, err := rt.Enqueue(context.Background(), testQueue, testPayload{})
	require.NoError(t, err)
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&failed) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.JobFailed, jobState(t, store, job.ID).State)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRuntime_TimeoutIsAFailure(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 1})

	_, err := rt.CreateWorker(testQueue, func(ctx context.Context, _ domain.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, WorkerOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	job, err := rt.Enqueue(context.Background(), testQueue, testPayload{}, WithMaxAttempts(1))
	require.NoError(t, err)
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		return jobState(t, store, job.ID).State == domain.JobFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, jobState(t, store, job.ID).LastError, "timed out")
}

func TestRuntime_OverrunIgnoringContextIsAFailure(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 1})

	var failed int32
	_, err := rt.CreateWorker(testQueue, func(context.Context, domain.Job) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}, WorkerOptions{
		Timeout: 20 * time.Millisecond,
		OnFailed: func(_ context.Context, _ domain.Job, err error) {
			assert.ErrorIs(t, err, ErrHandlerTimeout)
			atomic.AddInt32(&failed, 1)
		},
	})
	require.NoError(t, err)

	job, err := rt.Enqueue(context.Background(), testQueue, testPayload{}, WithMaxAttempts(1))
	require.NoError(t, err)
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		return jobState(t, store, job.ID).State == domain.JobFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, jobState(t, store, job.ID).LastError, "timed out")
	assert.Equal(t, int32(1), atomic.LoadInt32(&failed))
}

func TestRuntime_PanicIsAFailure(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 1})

	_, err := rt.CreateWorker(testQueue, func(context.Context, domain.Job) error {
		panic("kaboom")
	}, WorkerOptions{})
	require.NoError(t, err)

	job, err := rt.Enqueue(context.Background(), testQueue, testPayload{}, WithMaxAttempts(1))
	require.NoError(t, err)
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		return jobState(t, store, job.ID).State == domain.JobFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, jobState(t, store, job.ID).LastError, "kaboom")
}

func TestRuntime_RateLimitSpacesStarts(t *testing.T) {
	window := 200 * time.Millisecond
	rt, store := newTestRuntime(t, Config{
		Name:        testQueue,
		Concurrency: 4,
		Rate:        RateLimit{Max: 2, Duration: window},
	})

	var mu sync.Mutex
	var starts []time.Time
	_, err := rt.CreateWorker(testQueue, func(context.Context, domain.Job) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	}, WorkerOptions{})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := rt.Enqueue(context.Background(), testQueue, testPayload{N: i})
		require.NoError(t, err)
	}
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		counts, _ := store.CountByState(context.Background(), testQueue)
		return counts[domain.JobCompleted] == 4
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 4)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[0]), window-10*time.Millisecond)
}

func TestRuntime_TypedRejectsUndecodablePayload(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 1})

	var calls int32
	_, err := rt.CreateWorker(testQueue, Typed(func(context.Context, domain.Job, testPayload) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), WorkerOptions{})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.Insert(context.Background(), domain.Job{
		ID: "bad", Queue: testQueue, Payload: []byte(`{"n":"x"}`),
		MaxAttempts: 3, State: domain.JobQueued, RunAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		return jobState(t, store, "bad").State == domain.JobFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, jobState(t, store, "bad").AttemptsMade)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestRuntime_EnqueueValidation(t *testing.T) {
	rt, store := newTestRuntime(t, Config{Name: testQueue, Concurrency: 1})
	ctx := context.Background()

	_, err := rt.Enqueue(ctx, "nope", testPayload{})
	assert.ErrorIs(t, err, ErrUnknownQueue)

	_, err = rt.Enqueue(ctx, testQueue, testPayload{N: -1})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Empty(t, store.Jobs(testQueue))

	job, err := rt.Enqueue(ctx, testQueue, testPayload{N: 2}, WithDelay(time.Hour), WithMaxAttempts(7))
	require.NoError(t, err)
	got := jobState(t, store, job.ID)
	assert.Equal(t, domain.JobQueued, got.State)
	assert.Equal(t, 7, got.MaxAttempts)
	assert.JSONEq(t, `{"n":2}`, string(got.Payload))
	assert.True(t, got.RunAt.After(time.Now().Add(59*time.Minute)))
}

func TestRuntime_CreateWorkerTwice(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{Name: testQueue, Concurrency: 1})
	noop := func(context.Context, domain.Job) error { return nil }

	_, err := rt.CreateWorker(testQueue, noop, WorkerOptions{})
	require.NoError(t, err)
	_, err = rt.CreateWorker(testQueue, noop, WorkerOptions{})
	assert.ErrorIs(t, err, ErrWorkerExists)
	_, err = rt.CreateWorker("other", noop, WorkerOptions{})
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

type recordingBus struct {
	mu        sync.Mutex
	published [][]byte
	dead      [][]byte
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *recordingBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestRuntime_FailedJobsReachDeadStream(t *testing.T) {
	bus := &recordingBus{}
	store := NewMemoryStore()
	rt := NewRuntime([]Config{{Name: testQueue, Concurrency: 1}}, Options{
		Store:        store,
		Bus:          bus,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Backoff:      Backoff{Base: time.Millisecond},
		PollInterval: 5 * time.Millisecond,
	})
	_, err := rt.CreateWorker(testQueue, func(context.Context, domain.Job) error {
		return Permanent(errors.New("nope"))
	}, WorkerOptions{})
	require.NoError(t, err)

	_, err = rt.Enqueue(context.Background(), testQueue, testPayload{})
	require.NoError(t, err)
	startRuntime(t, rt)

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.dead) == 1
	}, 3*time.Second, 10*time.Millisecond)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Contains(t, string(bus.dead[0]), `"state":"failed"`)
	assert.GreaterOrEqual(t, len(bus.published), 3)
}
