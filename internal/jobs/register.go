package jobs

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/marketforge/internal/queue"
)

// WorkerRegistrar is the part of the queue runtime that accepts workers.
type WorkerRegistrar interface {
	CreateWorker(queue string, handler queue.Handler, opts queue.WorkerOptions) (*queue.Worker, error)
}

// Register creates one worker per queue on rt.
func Register(rt WorkerRegistrar, h *Handlers) error {
	workers := []struct {
		queue   string
		handler queue.Handler
		opts    queue.WorkerOptions
	}{
		{GenerateMarket, queue.Typed(h.GenerateMarket), queue.WorkerOptions{Timeout: 10 * time.Minute}},
		{ResolveMarket, queue.Typed(h.ResolveMarket), queue.WorkerOptions{Timeout: 5 * time.Minute}},
		{DecryptTotals, queue.Typed(h.DecryptTotals), queue.WorkerOptions{OnFailed: h.Decrypter.OnFailed, Timeout: 5 * time.Minute}},
		{GenerateMarketImage, queue.Typed(h.GenerateMarketImage), queue.WorkerOptions{Timeout: 3 * time.Minute}},
		{ProcessAvatarImage, queue.Typed(h.ProcessAvatarImage), queue.WorkerOptions{Timeout: time.Minute}},
	}
	for _, w := range workers {
		if _, err := rt.CreateWorker(w.queue, w.handler, w.opts); err != nil {
			return fmt.Errorf("jobs: register %s: %w", w.queue, err)
		}
	}
	return nil
}
