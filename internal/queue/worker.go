package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Handler processes one job. A nil return completes the job; any error is
// subject to the retry policy unless wrapped with Permanent.
type Handler func(ctx context.Context, job domain.Job) error

// Typed adapts a handler over a decoded payload. A payload that does not
// decode or validate fails the job permanently.
func Typed[P Payload](fn func(ctx context.Context, job domain.Job, payload P) error) Handler {
	return func(ctx context.Context, job domain.Job) error {
		var p P
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return Permanent(fmt.Errorf("decode %s payload: %w", job.Queue, err))
		}
		if err := p.Validate(); err != nil {
			return Permanent(fmt.Errorf("invalid %s payload: %w", job.Queue, err))
		}
		return fn(ctx, job, p)
	}
}

// FailedFunc is invoked once when a job is permanently failed.
type FailedFunc func(ctx context.Context, job domain.Job, err error)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	OnFailed FailedFunc
	// Timeout bounds each handler invocation; expiry counts as a failure.
	Timeout time.Duration
}

// Worker consumes one queue.
type Worker struct {
	rt      *Runtime
	queue   *queueState
	handler Handler
	opts    WorkerOptions
	logger  *slog.Logger

	inflight sync.WaitGroup
}

// staleAfter is how long an active job may go untouched before the reaper
// assumes its worker died. It always exceeds the longest legitimate run.
func (w *Worker) staleAfter() time.Duration {
	d := w.rt.opts.StaleAfter
	floor := 2 * (w.opts.Timeout + w.queue.cfg.Rate.Duration)
	if d < floor {
		return floor
	}
	return d
}

// Run claims and dispatches jobs until ctx is cancelled, then waits for
// in-flight handlers to return.
func (w *Worker) Run(ctx context.Context) error {
	name := w.queue.cfg.Name
	w.logger.InfoContext(ctx, "worker started",
		slog.Int("concurrency", w.queue.cfg.Concurrency),
		slog.Int("rate_max", w.queue.cfg.Rate.Max),
		slog.Duration("rate_window", w.queue.cfg.Rate.Duration),
	)
	defer w.inflight.Wait()

	for {
		if err := w.queue.sem.Acquire(ctx, 1); err != nil {
			w.logger.InfoContext(ctx, "worker stopping")
			return nil
		}

		job, err := w.rt.store.ClaimNext(ctx, name, w.rt.now())
		if err != nil {
			w.queue.sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				w.logger.WarnContext(ctx, "claim job failed", slog.String("error", err.Error()))
			}
			if !sleepCtx(ctx, w.rt.opts.PollInterval) {
				return nil
			}
			continue
		}

		w.inflight.Add(1)
		go func(job domain.Job) {
			defer w.inflight.Done()
			defer w.queue.sem.Release(1)
			w.process(ctx, job)
		}(job)
	}
}

// process runs one claimed job through the rate limiter, the handler and
// the outcome bookkeeping. The handler runs on the caller's goroutine, so
// the semaphore slot stays held until it returns, even past its deadline.
// An attempt is only settled after its handler has returned; two attempts
// of the same job never overlap.
func (w *Worker) process(ctx context.Context, job domain.Job) {
	name := w.queue.cfg.Name
	// Acknowledgements must land even while the worker is shutting down.
	ackCtx := context.WithoutCancel(ctx)

	if rate := w.queue.cfg.Rate; rate.Max > 0 {
		if err := w.rt.limiter.Wait(ctx, name, rate.Max, rate.Duration); err != nil {
			if rerr := w.rt.store.Release(ackCtx, job.ID); rerr != nil {
				w.logger.WarnContext(ackCtx, "release job failed",
					slog.String("job_id", job.ID),
					slog.String("error", rerr.Error()),
				)
			}
			return
		}
	}

	w.rt.metrics.recordStart(name)
	w.rt.publish(ackCtx, job, domain.JobActive, "")
	start := w.rt.now()

	hctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if w.opts.Timeout > 0 {
		hctx, cancel = context.WithTimeout(hctx, w.opts.Timeout)
	}
	defer cancel()

	herr := w.invoke(hctx, job)
	// Overrunning the deadline fails the attempt even if the handler
	// ignored ctx and returned nil.
	if errors.Is(hctx.Err(), context.DeadlineExceeded) {
		if herr != nil {
			herr = fmt.Errorf("%w after %s: %v", ErrHandlerTimeout, w.opts.Timeout, herr)
		} else {
			herr = fmt.Errorf("%w after %s", ErrHandlerTimeout, w.opts.Timeout)
		}
	}

	w.settle(ackCtx, job, herr)
	w.rt.metrics.recordFinish(name, w.rt.now().Sub(start))
}

// invoke calls the handler, converting a panic into an error.
func (w *Worker) invoke(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r}
		}
	}()
	return w.handler(ctx, job)
}

// settle records the outcome of one attempt.
func (w *Worker) settle(ctx context.Context, job domain.Job, herr error) {
	name := w.queue.cfg.Name
	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.AttemptsMade),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	if herr == nil {
		if err := w.rt.store.Complete(ctx, job.ID); err != nil {
			log.ErrorContext(ctx, "complete job failed", slog.String("error", err.Error()))
			return
		}
		w.rt.metrics.recordCompleted(name)
		w.rt.publish(ctx, job, domain.JobCompleted, "")
		log.InfoContext(ctx, "job completed")
		return
	}

	msg := herr.Error()
	if !IsPermanent(herr) && job.AttemptsMade < job.MaxAttempts {
		delay := w.rt.opts.Backoff.Delay(job.AttemptsMade)
		if err := w.rt.store.Retry(ctx, job.ID, w.rt.now().Add(delay), msg); err != nil {
			log.ErrorContext(ctx, "schedule retry failed", slog.String("error", err.Error()))
			return
		}
		w.rt.metrics.recordRetry(name)
		w.rt.publish(ctx, job, domain.JobQueued, msg)
		log.WarnContext(ctx, "job failed, retry scheduled",
			slog.Duration("delay", delay),
			slog.String("error", msg),
		)
		return
	}

	transitioned, err := w.rt.store.Fail(ctx, job.ID, msg)
	if err != nil {
		log.ErrorContext(ctx, "mark job failed", slog.String("error", err.Error()))
		return
	}
	if !transitioned {
		return
	}
	w.rt.metrics.recordFailed(name)
	w.rt.publish(ctx, job, domain.JobFailed, msg)
	log.ErrorContext(ctx, "job permanently failed",
		slog.Bool("permanent", IsPermanent(herr)),
		slog.String("error", msg),
	)

	if w.opts.OnFailed != nil {
		w.fireOnFailed(ctx, job, herr)
	}
}

func (w *Worker) fireOnFailed(ctx context.Context, job domain.Job, herr error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "onFailed panic",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
			)
		}
	}()
	w.opts.OnFailed(ctx, job, herr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
