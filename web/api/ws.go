package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler streams a task's events over a websocket at /ws/{id}. The
// server closes the connection when the task reaches a terminal state.
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := strings.TrimPrefix(r.URL.Path, "/ws/")
		if taskID == "" || strings.Contains(taskID, "/") {
			writeError(w, http.StatusBadRequest, "task ID required")
			return
		}

		if _, _, err := s.orch.Snapshot(taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "task", taskID, "error", err)
			return
		}
		defer conn.Close()

		sub := s.hub.Subscribe(taskID)
		defer sub.Cancel()

		// Drain client frames so close messages are processed.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-clientGone:
				return
			case event, ok := <-sub.Events():
				if !ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
					return
				}
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			}
		}
	}
}
