package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/queue"
)

// AuditLister is the read side of the audit log.
type AuditLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// EventsHandler exposes the audit log, the dead-letter stream and a live
// feed of job transitions.
type EventsHandler struct {
	audit  AuditLister
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(audit AuditLister, bus domain.SignalBus, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{audit: audit, bus: bus, logger: logger}
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?limit=&offset=&since=
func (h *EventsHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	type entryView struct {
		ID        int64          `json:"id"`
		Event     string         `json:"event"`
		Detail    map[string]any `json:"detail"`
		CreatedAt time.Time      `json:"createdAt"`
	}
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// DeadLetters returns permanently failed jobs from the dead-letter stream.
// GET /api/jobs/dead?after=&count=
func (h *EventsHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := 50
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "count must be within 1-500")
			return
		}
		count = n
	}

	msgs, err := h.bus.StreamRead(r.Context(), queue.DeadStream, after, count)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	type deadView struct {
		StreamID string         `json:"streamId"`
		Event    queue.JobEvent `json:"event"`
	}
	out := make([]deadView, 0, len(msgs))
	for _, m := range msgs {
		var ev queue.JobEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			h.logger.WarnContext(r.Context(), "skipping malformed dead letter",
				slog.String("stream_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, deadView{StreamID: m.ID, Event: ev})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// Stream relays job events as server-sent events until the client leaves.
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, err := h.bus.Subscribe(ctx, queue.EventsChannel)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
		case data, ok := <-events:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("event: job\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
