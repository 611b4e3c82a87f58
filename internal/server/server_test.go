package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/jobs"
	"github.com/alanyoungcy/marketforge/internal/queue"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
	"github.com/alanyoungcy/marketforge/internal/testutil"
)

const (
	testKey    = "ops-secret"
	testWallet = "0x1111111111111111111111111111111111111111"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fakeClaimer struct {
	err      error
	approved bool
	calls    []string
}

func (c *fakeClaimer) Claim(_ context.Context, wallet, marketID string) (string, error) {
	c.calls = append(c.calls, wallet+"/"+marketID)
	if c.err != nil {
		return "", c.err
	}
	return "0xclaim", nil
}

func (c *fakeClaimer) OperatorApproved(context.Context, string) (bool, error) {
	return c.approved, c.err
}

// memBus is an in-process domain.SignalBus.
type memBus struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	stream []domain.StreamMessage
}

func newMemBus() *memBus { return &memBus{subs: make(map[string][]chan []byte)} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 8)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *memBus) subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *memBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, domain.StreamMessage{ID: fmt.Sprintf("%d-0", len(b.stream)+1), Payload: payload})
	return nil
}

func (b *memBus) StreamRead(_ context.Context, _ string, _ string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.StreamMessage(nil), b.stream[:min(count, len(b.stream))]...), nil
}

type fixture struct {
	bus     *memBus
	audit   *testutil.AuditStore
	store   *queue.MemoryStore
	rt      *queue.Runtime
	claimer *fakeClaimer
	checks  map[string]handler.Pinger
	handler http.Handler
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	logger := testutil.Logger()
	f := &fixture{
		bus:     newMemBus(),
		audit:   &testutil.AuditStore{},
		store:   queue.NewMemoryStore(),
		claimer: &fakeClaimer{approved: true},
		checks:  map[string]handler.Pinger{"postgres": pinger{}, "redis": pinger{}},
	}
	f.rt = queue.NewRuntime(jobs.QueueConfigs(), queue.Options{Store: f.store, Logger: logger})

	srv := NewServer(Config{Addr: ":0", APIKey: testKey, RateLimitPerMinute: rateLimit}, Handlers{
		Health:   handler.NewHealthHandler(f.checks, logger),
		Jobs:     handler.NewJobHandler(f.store, f.rt.Queues(), logger),
		Triggers: handler.NewTriggerHandler(f.rt, logger),
		Claims:   handler.NewClaimHandler(f.claimer, logger),
		Events:   handler.NewEventsHandler(f.audit, f.bus, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	}, queue.NewLocalLimiter(), logger)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.checks["redis"] = pinger{err: errors.New("connection refused")}
	rec = f.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "down", body["dependencies"].(map[string]any)["redis"])
}

func TestAPIRequiresKey(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/api/queues", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/queues", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("X-API-Key", testKey)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateTriggerEnqueuesJob(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/markets/generate", `{"count":3,"timeframe":"1 week","categories":["crypto"]}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode(t, rec)["jobId"].(string)

	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobs.GenerateMarket, job.Queue)
	assert.Equal(t, domain.JobQueued, job.State)
	assert.JSONEq(t, `{"count":3,"timeframe":"1 week","categories":["crypto"]}`, string(job.Payload))

	rec = f.do(t, http.MethodGet, "/api/jobs/"+id, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decode(t, rec)["state"])

	rec = f.do(t, http.MethodGet, "/api/queues", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	queues := decode(t, rec)["queues"].(map[string]any)
	assert.Equal(t, float64(1), queues[jobs.GenerateMarket].(map[string]any)["queued"])
}

func TestTriggerRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/markets/generate", `{"count":50,"timeframe":"1 week"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/markets/generate", `{"count":1,"bogus":true}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/avatars", `{"userId":"a/b","sourcePath":"uploads/x.png"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, f.store.Jobs(jobs.GenerateMarket))
	assert.Empty(t, f.store.Jobs(jobs.ProcessAvatarImage))
}

func TestResolveAndAvatarTriggers(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/markets/m-7/resolve", "", true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resolveJobs := f.store.Jobs(jobs.ResolveMarket)
	require.Len(t, resolveJobs, 1)
	assert.JSONEq(t, `{"marketId":"m-7"}`, string(resolveJobs[0].Payload))

	rec = f.do(t, http.MethodPost, "/api/avatars", `{"userId":"u1","sourcePath":"uploads/u1.jpg"}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, f.store.Jobs(jobs.ProcessAvatarImage), 1)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodGet, "/api/jobs/nope", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimMapsErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"success", nil, http.StatusOK},
		{"not approved", fmt.Errorf("claims: %w", domain.ErrOperatorNotApproved), http.StatusForbidden},
		{"no totals", fmt.Errorf("claims: %w", domain.ErrNoDecryptedTotal), http.StatusConflict},
		{"frozen", fmt.Errorf("claims: %w", domain.ErrSettlementFrozen), http.StatusConflict},
		{"ledger down", errors.New("dial tcp: refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.claimer.err = tt.err

			rec := f.do(t, http.MethodPost, "/api/claims", `{"wallet":"`+testWallet+`","marketId":"m1"}`, true)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, []string{testWallet + "/m1"}, f.claimer.calls)
			if tt.err == nil {
				assert.Equal(t, "0xclaim", decode(t, rec)["txHash"])
			}
		})
	}
}

func TestClaimValidatesInput(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/claims", `{"wallet":"not-a-wallet","marketId":"m1"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/claims", `{"wallet":"`+testWallet+`"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.claimer.calls)
}

func TestOperatorApproval(t *testing.T) {
	f := newFixture(t, 0)
	f.claimer.approved = false

	rec := f.do(t, http.MethodGet, "/api/operators/"+testWallet, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["approved"])
}

func TestAPIRateLimit(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/queues", "", true).Code)
	}
	rec := f.do(t, http.MethodGet, "/api/queues", "", true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Probes are outside the limited subtree.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", false).Code)
}

func TestAuditAndDeadLetters(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.audit.Log(ctx, "settlement_failed", map[string]any{"marketId": "m1"}))

	rec := f.do(t, http.MethodGet, "/api/audit?limit=10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "settlement_failed", entries[0].(map[string]any)["event"])

	rec = f.do(t, http.MethodGet, "/api/audit?since=yesterday", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	raw, err := json.Marshal(queue.JobEvent{ID: "decrypt-totals:m1", Queue: jobs.DecryptTotals, State: domain.JobFailed, Attempt: 1})
	require.NoError(t, err)
	require.NoError(t, f.bus.StreamAppend(ctx, queue.DeadStream, raw))
	require.NoError(t, f.bus.StreamAppend(ctx, queue.DeadStream, []byte("garbage")))

	rec = f.do(t, http.MethodGet, "/api/jobs/dead", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	dead := decode(t, rec)["jobs"].([]any)
	require.Len(t, dead, 1, "malformed entries are skipped")
	ev := dead[0].(map[string]any)["event"].(map[string]any)
	assert.Equal(t, "decrypt-totals:m1", ev["id"])
	assert.Equal(t, "failed", ev["state"])

	rec = f.do(t, http.MethodGet, "/api/jobs/dead?count=0", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStreamRelaysJobEvents(t *testing.T) {
	f := newFixture(t, 0)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.bus.subscribers(queue.EventsChannel) == 1 },
		time.Second, 10*time.Millisecond)
	require.NoError(t, f.bus.Publish(ctx, queue.EventsChannel, []byte(`{"id":"j1","state":"completed"}`)))

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			assert.JSONEq(t, `{"id":"j1","state":"completed"}`, data)
			return
		}
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}
