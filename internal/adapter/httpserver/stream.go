package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

const streamHeartbeat = 15 * time.Second

// StreamHandler subscribes the caller to a job's log entries over
// Server-Sent Events. The persisted log history is replayed first, then live
// entries stream until the job reaches a terminal state or the client
// disconnects. Delivery of live entries is best-effort; clients needing a
// complete record should re-fetch the job.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		// Subscribe before the snapshot so no entry falls between them.
		sub := s.Bus.Subscribe(jobID)
		defer sub.Close()

		// Ownership check doubles as the history snapshot.
		j, err := s.Dispatcher.GetJob(r.Context(), UserID(r), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		var lastReplayed time.Time
		for _, entry := range j.Logs {
			writeSSE(w, entry)
			lastReplayed = entry.Timestamp
		}
		flusher.Flush()

		if j.State.Terminal() {
			return
		}

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				// Cancels and watchdog reaps publish no closing entry; the
				// job state is checked on each heartbeat instead.
				if cur, err := s.Dispatcher.GetJob(r.Context(), UserID(r), jobID); err == nil && cur.State.Terminal() {
					return
				}
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case entry, open := <-sub.Entries():
				if !open {
					return
				}
				// Entries published between subscribe and snapshot appear in
				// both; the snapshot wins.
				if !entry.Timestamp.After(lastReplayed) {
					continue
				}
				writeSSE(w, entry)
				flusher.Flush()
				if entry.Step == "completed" || entry.Step == "failed" {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, entry domain.LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
}
