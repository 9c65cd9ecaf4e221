package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/quantfolio/researchd/internal/metrics"
	"github.com/quantfolio/researchd/internal/runstore"
	"github.com/quantfolio/researchd/pkg/types"
)

// StreamEvents handles GET /api/v1/runs/{id}/events as a Server-Sent
// Events stream. Reconnecting clients resume via the Last-Event-ID header;
// everything after that sequence number still in the retained history is
// replayed before live events. The stream ends when the run reaches a
// terminal state.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeError(w, r, http.StatusNotFound, "run not found", nil)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to load run", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	afterSeq := types.ParseEventID(r.Header.Get("Last-Event-ID"))
	replay, live, cancel, err := h.store.SubscribeEvents(ctx, runID, afterSeq)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to subscribe", nil)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	h.logger.Info("sse stream opened",
		slog.String("run_id", runID),
		slog.Uint64("after_seq", afterSeq),
		slog.Int("replay", len(replay)),
	)

	for _, ev := range replay {
		h.writeSSE(w, flusher, ev)
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.SSEConnectionDuration.Observe(time.Since(startTime).Seconds())
			h.logger.Info("sse stream closed", slog.String("run_id", runID), slog.String("reason", "client_disconnect"))
			return

		case ev, ok := <-live:
			if !ok {
				// Run finished; the terminal event was already delivered.
				metrics.SSEConnectionDuration.Observe(time.Since(startTime).Seconds())
				h.logger.Info("sse stream closed", slog.String("run_id", runID), slog.String("reason", "run_finished"))
				return
			}
			h.writeSSE(w, flusher, ev)

		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev *types.Event) {
	if ev == nil {
		return
	}
	if _, err := w.Write(ev.ToSSE()); err != nil {
		h.logger.Error("failed to write sse event", "error", err)
		return
	}
	flusher.Flush()
}
