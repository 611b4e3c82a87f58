// Package queue is the durable multi-queue job runtime. Each named queue
// carries a fixed concurrency cap and sliding-window rate limit; failed
// handlers are retried with exponential backoff until the attempt ceiling,
// after which the job is marked failed and OnFailed fires exactly once.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// EventsChannel receives a JobEvent for every state transition.
	EventsChannel = "jobs:events"
	// DeadStream receives every permanently failed job.
	DeadStream = "jobs:dead"
)

// RateLimit allows at most Max handler starts per Duration. A zero Max
// disables limiting.
type RateLimit struct {
	Max      int
	Duration time.Duration
}

// Config is the fixed configuration of one named queue.
type Config struct {
	Name        string
	Concurrency int
	Rate        RateLimit
}

// Payload is implemented by every typed job payload.
type Payload interface {
	Validate() error
}

// Options configures a Runtime.
type Options struct {
	Store   domain.JobStore
	Limiter domain.RateLimiter
	// Bus is optional; job events and dead letters are dropped without it.
	Bus     domain.SignalBus
	Metrics *Metrics
	Logger  *slog.Logger

	Backoff           Backoff
	MaxAttempts       int
	PollInterval      time.Duration
	StaleAfter        time.Duration
	DefaultJobTimeout time.Duration
}

// JobEvent is published on EventsChannel.
type JobEvent struct {
	ID      string          `json:"id"`
	Queue   string          `json:"queue"`
	State   domain.JobState `json:"state"`
	Attempt int             `json:"attempt"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

type queueState struct {
	cfg Config
	sem *semaphore.Weighted
}

// Runtime owns the queues, their concurrency semaphores and the workers
// registered on them.
type Runtime struct {
	store   domain.JobStore
	limiter domain.RateLimiter
	bus     domain.SignalBus
	metrics *Metrics
	logger  *slog.Logger
	opts    Options

	queues map[string]*queueState

	mu      sync.Mutex
	workers map[string]*Worker
	now     func() time.Time
}

// NewRuntime creates a Runtime serving the given queues.
func NewRuntime(queues []Config, opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewLocalLimiter()
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}

	qs := make(map[string]*queueState, len(queues))
	for _, q := range queues {
		c := q.Concurrency
		if c <= 0 {
			c = 1
		}
		q.Concurrency = c
		qs[q.Name] = &queueState{cfg: q, sem: semaphore.NewWeighted(int64(c))}
	}

	return &Runtime{
		store:   opts.Store,
		limiter: opts.Limiter,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  opts.Logger.With(slog.String("component", "queue")),
		opts:    opts,
		queues:  qs,
		workers: make(map[string]*Worker),
		now:     time.Now,
	}
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay       time.Duration
	maxAttempts int
	id          string
}

// WithDelay makes the job runnable only after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithMaxAttempts overrides the runtime's attempt ceiling for this job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithJobID sets the job id instead of generating one.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.id = id }
}

// Enqueue validates payload and records it durably on the named queue. It
// returns only after the store has committed the job.
func (r *Runtime) Enqueue(ctx context.Context, queue string, payload Payload, opts ...EnqueueOption) (domain.Job, error) {
	if _, ok := r.queues[queue]; !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if err := payload.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("queue: enqueue %s: %w", queue, err)
	}

	o := enqueueOptions{maxAttempts: r.opts.MaxAttempts}
	for _, fn := range opts {
		fn(&o)
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 1
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("queue: marshal %s payload: %w", queue, err)
	}

	now := r.now()
	job := domain.Job{
		ID:          o.id,
		Queue:       queue,
		Payload:     raw,
		MaxAttempts: o.maxAttempts,
		State:       domain.JobQueued,
		RunAt:       now.Add(o.delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Insert(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("queue: enqueue %s: %w", queue, err)
	}

	r.metrics.recordEnqueue(queue)
	r.publish(ctx, job, domain.JobQueued, "")
	r.logger.DebugContext(ctx, "job enqueued",
		slog.String("queue", queue),
		slog.String("job_id", job.ID),
		slog.Duration("delay", o.delay),
	)
	return job, nil
}

// CreateWorker registers handler as the consumer of queue. Only one worker
// per queue may be registered on a Runtime; the queue's concurrency cap is
// enforced across all of its in-flight handlers.
func (r *Runtime) CreateWorker(queue string, handler Handler, opts WorkerOptions) (*Worker, error) {
	qs, ok := r.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[queue]; exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkerExists, queue)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = r.opts.DefaultJobTimeout
	}

	w := &Worker{
		rt:      r,
		queue:   qs,
		handler: handler,
		opts:    opts,
		logger:  r.logger.With(slog.String("queue", queue)),
	}
	r.workers[queue] = w
	return w, nil
}

// Queues returns the configured queue names in sorted order.
func (r *Runtime) Queues() []string {
	names := make([]string, 0, len(r.queues))
	for n := range r.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Config returns the configuration of a queue.
func (r *Runtime) Config(queue string) (Config, bool) {
	qs, ok := r.queues[queue]
	if !ok {
		return Config{}, false
	}
	return qs.cfg, true
}

// Run starts every registered worker plus the stale-job reaper and blocks
// until ctx is cancelled and all in-flight handlers have returned.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	g.Go(func() error {
		r.reapStale(gctx, workers)
		return nil
	})

	r.logger.InfoContext(ctx, "queue runtime started", slog.Int("workers", len(workers)))
	return g.Wait()
}

// reapStale periodically returns active jobs whose worker vanished between
// doing the work and acknowledging it.
func (r *Runtime) reapStale(ctx context.Context, workers []*Worker) {
	interval := r.opts.StaleAfter / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range workers {
				cutoff := r.now().Add(-w.staleAfter())
				n, err := r.store.RequeueStale(ctx, w.queue.cfg.Name, cutoff)
				if err != nil {
					r.logger.WarnContext(ctx, "requeue stale jobs failed",
						slog.String("queue", w.queue.cfg.Name),
						slog.String("error", err.Error()),
					)
					continue
				}
				if n > 0 {
					r.logger.WarnContext(ctx, "requeued stale jobs",
						slog.String("queue", w.queue.cfg.Name),
						slog.Int64("count", n),
					)
				}
			}
		}
	}
}

func (r *Runtime) publish(ctx context.Context, job domain.Job, state domain.JobState, errMsg string) {
	if r.bus == nil {
		return
	}
	ev := JobEvent{
		ID:      job.ID,
		Queue:   job.Queue,
		State:   state,
		Attempt: job.AttemptsMade,
		Error:   errMsg,
		At:      r.now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, EventsChannel, data); err != nil {
		r.logger.DebugContext(ctx, "publish job event failed", slog.String("error", err.Error()))
	}
	if state == domain.JobFailed {
		if err := r.bus.StreamAppend(ctx, DeadStream, data); err != nil {
			r.logger.WarnContext(ctx, "append dead letter failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
