package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// serveSSE streams a task's events until the task finishes or the
// client disconnects. Late subscribers to a finished task get an
// immediately terminated stream; the snapshot endpoint covers catch-up.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, _, err := s.orch.Snapshot(taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe(taskID)
	defer sub.Cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				// Task reached a terminal state; server closes.
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("encoding event", "task", taskID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", event.Kind)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
