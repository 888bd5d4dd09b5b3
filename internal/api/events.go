// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"zmed.io/zmonitor/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Loopback only; the display process is a local peer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wireEvent is the websocket frame shape.
type wireEvent struct {
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload bus.Event `json:"payload"`
}

// handleEvents bridges the signal bus onto a websocket. Each client gets its
// own bounded subscription; a slow display loses its own events, never
// anyone else's. The optional ?events= query narrows the subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var names []string
	if q := r.URL.Query()["events"]; len(q) > 0 {
		names = q
	}
	sub := s.signals.Subscribe("ws:"+r.RemoteAddr, 256, names...)
	defer s.signals.Unsubscribe(sub)

	// Reader goroutine: surface client disconnects.
	done := make(chan struct{})
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
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(wireEvent{
				Event:   ev.EventName(),
				Time:    time.Now(),
				Payload: ev,
			}); err != nil {
				s.logger.Debug("websocket write failed, dropping client", "error", err)
				return
			}
		}
	}
}
