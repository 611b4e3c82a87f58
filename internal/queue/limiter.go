package queue

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// LocalLimiter is an in-process sliding-window RateLimiter. Its window is
// only shared by workers of the same process; use the Redis limiter when
// several processes consume the same queue.
type LocalLimiter struct {
	mu     sync.Mutex
	starts map[string][]time.Time
}

// NewLocalLimiter creates an empty LocalLimiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{starts: make(map[string][]time.Time)}
}

// Allow records a hit on key and reports whether it is within limit for
// the sliding window.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	ok, _ := l.try(key, limit, window, time.Now())
	return ok, nil
}

// Wait blocks until Allow admits key or ctx is done.
func (l *LocalLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	for {
		ok, wait := l.try(key, limit, window, time.Now())
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// try admits a start at now if fewer than limit starts fall inside the
// window. Otherwise it returns how long until the oldest start leaves it.
func (l *LocalLimiter) try(key string, limit int, window time.Duration, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	kept := l.starts[key][:0]
	for _, t := range l.starts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.starts[key] = kept

	if len(kept) < limit {
		l.starts[key] = append(kept, now)
		return true, 0
	}
	wait := kept[0].Add(window).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return false, wait
}

var _ domain.RateLimiter = (*LocalLimiter)(nil)
