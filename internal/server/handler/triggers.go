package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/jobs"
	"github.com/alanyoungcy/marketforge/internal/queue"
)

// Enqueuer submits jobs to the queue runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload queue.Payload, opts ...queue.EnqueueOption) (domain.Job, error)
}

// TriggerHandler enqueues jobs on demand, outside the scheduler's cadence.
type TriggerHandler struct {
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewTriggerHandler creates a TriggerHandler.
func NewTriggerHandler(enqueuer Enqueuer, logger *slog.Logger) *TriggerHandler {
	return &TriggerHandler{enqueuer: enqueuer, logger: logger}
}

// GenerateMarkets enqueues one generate-market job.
// POST /api/markets/generate
func (h *TriggerHandler) GenerateMarkets(w http.ResponseWriter, r *http.Request) {
	var p jobs.GenerateMarketPayload
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.enqueue(w, r, jobs.GenerateMarket, p)
}

// ResolveMarket enqueues a resolve-market job for the market in the path.
// POST /api/markets/{id}/resolve
func (h *TriggerHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, jobs.ResolveMarket, jobs.ResolveMarketPayload{MarketID: r.PathValue("id")})
}

// ProcessAvatar enqueues a process-avatar-image job for an uploaded file.
// POST /api/avatars
func (h *TriggerHandler) ProcessAvatar(w http.ResponseWriter, r *http.Request) {
	var p jobs.AvatarImagePayload
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.enqueue(w, r, jobs.ProcessAvatarImage, p)
}

func (h *TriggerHandler) enqueue(w http.ResponseWriter, r *http.Request, q string, p queue.Payload) {
	job, err := h.enqueuer.Enqueue(r.Context(), q, p)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "job enqueued via api",
		slog.String("queue", q),
		slog.String("job_id", job.ID),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId": job.ID,
		"queue": q,
		"runAt": job.RunAt,
	})
}
