package api

import (
	"net/http"
	"strings"

	"cecbridge/internal/cec"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamBuffer bounds the events queued for one stream client.
const StreamBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is one event written to a stream client.
type StreamMessage struct {
	Kind  string    `json:"kind"`
	Event cec.Event `json:"event"`
}

func parseKinds(raw string) ([]cec.EventKind, error) {
	if raw == "" {
		return cec.AllKinds, nil
	}
	var kinds []cec.EventKind
	for _, name := range strings.Split(raw, ",") {
		kind, err := cec.ParseEventKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// handleEvents upgrades to a WebSocket and streams events of the requested
// kinds until the client goes away. Each kind gets its own registration,
// removed when the stream ends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	kinds, err := parseKinds(r.URL.Query().Get("kind"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade event stream", zap.Error(err))
		return
	}
	defer conn.Close()

	events := make(chan cec.Event, StreamBuffer)
	done := make(chan struct{})

	// Runs on the engine's callback goroutine; never blocks.
	handler := func(ev cec.Event) error {
		select {
		case events <- ev:
		case <-done:
		default:
			s.logger.Warn("Event stream client too slow, dropping event",
				zap.Stringer("kind", ev.Kind()),
				zap.String("remote_addr", r.RemoteAddr))
		}
		return nil
	}

	var regs []*cec.Registration
	defer func() {
		for _, reg := range regs {
			s.controller.RemoveCallback(reg)
		}
	}()
	for _, kind := range kinds {
		reg, err := s.controller.AddCallback(kind, handler)
		if err != nil {
			s.logger.Error("Failed to register stream handler", zap.Stringer("kind", kind), zap.Error(err))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		regs = append(regs, reg)
	}

	s.logger.Info("Event stream opened",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("kinds", len(kinds)))

	// The read loop only notices the client closing.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			if err := conn.WriteJSON(StreamMessage{Kind: ev.Kind().String(), Event: ev}); err != nil {
				s.logger.Debug("Event stream write failed", zap.Error(err))
				return
			}
		case <-done:
			s.logger.Info("Event stream closed", zap.String("remote_addr", r.RemoteAddr))
			return
		case <-s.closing:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
