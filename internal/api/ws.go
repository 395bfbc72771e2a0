package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solvepad/solvepad/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development - customize for production
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWebsocket streams progress events for the rooms named in the
// query string. GET /ws?task_id=<id>&user=<phone>. At least one of the
// two must be present; both may be.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	user := r.URL.Query().Get("user")
	if taskID == "" && user == "" {
		writeError(w, http.StatusBadRequest, "task_id or user query parameter required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api/ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	merged := make(chan domain.ProgressEvent, 64)
	done := make(chan struct{})
	defer close(done)

	subscribe := func(room string) {
		events, cancel := s.hub.Subscribe(room)
		go func() {
			defer cancel()
			for {
				select {
				case <-done:
					return
				case ev, open := <-events:
					if !open {
						return
					}
					select {
					case merged <- ev:
					case <-done:
						return
					}
				}
			}
		}()
	}
	if taskID != "" {
		subscribe(domain.TaskRoom(taskID))
	}
	if user != "" {
		subscribe(domain.UserRoom(user))
	}

	// Discard client frames; their arrival errors tell us the peer left.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readClosed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-merged:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
