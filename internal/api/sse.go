package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fiscal-audit-service/internal/models"
	"fiscal-audit-service/internal/store"
	"fiscal-audit-service/internal/telemetry"
)

// handleEvents streams job-state snapshots as server-sent events. Each poll
// iteration re-fetches the job and pushes only when the serialized snapshot
// changed since the last push. The stream ends with an "end" event after a
// terminal snapshot, or with one "error" event when the job does not exist.
// Client disconnect cancels the request context and stops the polling loop.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	telemetry.ActiveStreams.Inc()
	defer telemetry.ActiveStreams.Dec()

	ctx := r.Context()
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		s.sendStreamError(w, flusher, raw)
		return
	}

	interval := s.cfg.StreamPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last []byte
	for {
		job, err := s.svc.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			s.sendStreamError(w, flusher, raw)
			return
		}
		if err != nil {
			s.log.Error().Err(err).Str("job_id", raw).Msg("stream poll")
			s.sendStreamUnavailable(w, flusher)
			return
		}

		snapshot, err := json.Marshal(job)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", raw).Msg("marshal snapshot")
			return
		}
		if !bytes.Equal(snapshot, last) {
			last = append(last[:0], snapshot...)
			fmt.Fprintf(w, "data: %s\n\n", snapshot)
			flusher.Flush()
		}

		if models.Terminal(job.Status) {
			fmt.Fprint(w, "event: end\ndata: done\n\n")
			flusher.Flush()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) sendStreamError(w http.ResponseWriter, flusher http.Flusher, id string) {
	payload, _ := json.Marshal(map[string]string{"error": fmt.Sprintf("Audit job '%s' not found.", id)})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

// sendStreamUnavailable reports a store failure mid-stream. The job may well
// exist, so the message must not claim otherwise; the client can reconnect.
func (s *Server) sendStreamUnavailable(w http.ResponseWriter, flusher http.Flusher) {
	payload, _ := json.Marshal(map[string]string{"error": "Audit job stream temporarily unavailable."})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}
