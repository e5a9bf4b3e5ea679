package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

// handleEventStream serves a job's progress log over SSE. The stream opens
// with a synthesized snapshot of the current job state, then forwards
// persisted events in sequence order, polling the store between batches.
// The stream closes once the job is terminal and the log is drained. Clients resume with
// ?since=<last sequence_number>; the snapshot makes a missed-event window
// harmless either way.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJobForUser(r.Context(), id, userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	// The subscription keeps the sweeper from deleting the job while a
	// stream is attached. Best-effort: a failed insert only risks early
	// cleanup of an expired job.
	sub, subErr := s.store.CreateSubscription(r.Context(), id, "sse:"+userID, nil)
	if subErr == nil {
		defer func() {
			// Detached context: cleanup must outlive the client disconnect.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.store.DeleteSubscription(ctx, sub.ID)
		}()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	telemetry.StreamGauge.Inc()
	defer telemetry.StreamGauge.Dec()

	writeSSE(w, 0, models.EventSnapshot, map[string]any{
		"status":           job.Status,
		"progress_percent": job.ProgressPercent,
		"stage":            job.CurrentStage,
		"message":          job.Message,
		"retry_count":      job.RetryCount,
	})
	flusher.Flush()

	lastSeq := since
	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()

	for {
		events, err := s.store.GetProgressEvents(r.Context(), id, lastSeq)
		if err != nil {
			s.logger.Warn("event stream poll failed", "job_id", id, "error", err)
			return
		}
		for _, ev := range events {
			writeSSE(w, ev.SequenceNumber, ev.EventType, ev.Data)
			lastSeq = ev.SequenceNumber
			if ev.EventType == models.EventTerminal {
				flusher.Flush()
				return
			}
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		// A client resuming at or past the terminal event never sees another
		// event, so closure cannot depend on relaying one. Re-check the job
		// and drain whatever landed between the event read and the terminal
		// transition before closing.
		cur, err := s.store.GetJob(r.Context(), id)
		if err != nil {
			s.logger.Warn("event stream poll failed", "job_id", id, "error", err)
			return
		}
		if cur.Terminal() {
			tail, err := s.store.GetProgressEvents(r.Context(), id, lastSeq)
			if err == nil {
				for _, ev := range tail {
					writeSSE(w, ev.SequenceNumber, ev.EventType, ev.Data)
				}
			}
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeSSE(w http.ResponseWriter, seq int64, eventType string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
}
