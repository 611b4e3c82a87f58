package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// JobReader is the read side of the job store.
type JobReader interface {
	Get(ctx context.Context, id string) (domain.Job, error)
	CountByState(ctx context.Context, queue string) (map[domain.JobState]int64, error)
}

// JobHandler exposes job and queue status.
type JobHandler struct {
	jobs   JobReader
	queues []string
	logger *slog.Logger
}

// NewJobHandler creates a JobHandler reporting on queues.
func NewJobHandler(jobs JobReader, queues []string, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, queues: queues, logger: logger}
}

type jobView struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	State        domain.JobState `json:"state"`
	Payload      json.RawMessage `json:"payload"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	RunAt        time.Time       `json:"runAt"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// GetJob returns one job.
// GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{
		ID:           j.ID,
		Queue:        j.Queue,
		State:        j.State,
		Payload:      j.Payload,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts,
		RunAt:        j.RunAt,
		LastError:    j.LastError,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	})
}

// QueueStats returns job counts per state for every queue.
// GET /api/queues
func (h *JobHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[domain.JobState]int64, len(h.queues))
	for _, q := range h.queues {
		counts, err := h.jobs.CountByState(r.Context(), q)
		if err != nil {
			writeDomainError(w, r, h.logger, err)
			return
		}
		out[q] = counts
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}
