package tui

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/parallelproof/parallelproof/internal/domain"
)

// Stream reads a task's progress events from the server's websocket
// endpoint and hands them out on a channel. The channel closes when
// the server ends the stream or the connection drops.
type Stream struct {
	conn   *websocket.Conn
	events chan domain.Event
}

// DialStream connects to the websocket endpoint for one task.
func DialStream(baseURL, taskID string) (*Stream, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(baseURL, taskID), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("task %s not found", taskID)
		}
		return nil, fmt.Errorf("connecting to event stream: %w", err)
	}

	s := &Stream{
		conn:   conn,
		events: make(chan domain.Event, 16),
	}
	go s.readLoop()
	return s, nil
}

// Events returns the channel of decoded events.
func (s *Stream) Events() <-chan domain.Event {
	return s.events
}

// Close tears down the connection, which also unblocks the read loop.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		var ev domain.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			return
		}
		s.events <- ev
	}
}

func wsURL(baseURL, taskID string) string {
	base := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + taskID
}
