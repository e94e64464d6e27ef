package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"mappoints/internal/metrics"
)

// Hub tracks live map sessions and closes them on shutdown.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[*session]struct{}
	register   chan *session
	unregister chan *session
	done       chan struct{}
	upgrader   websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[*session]struct{}),
		register:   make(chan *session),
		unregister: make(chan *session),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.sessions {
				s.close()
				delete(h.sessions, s)
			}
			h.mu.Unlock()
			metrics.LiveSessions.Set(0)
			return
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			n := len(h.sessions)
			h.mu.Unlock()
			metrics.LiveSessions.Set(float64(n))
		case s := <-h.unregister:
			h.mu.Lock()
			delete(h.sessions, s)
			n := len(h.sessions)
			h.mu.Unlock()
			metrics.LiveSessions.Set(float64(n))
			s.close()
		}
	}
}

// Count reports connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return h.upgrader.Upgrade(w, r, nil)
}

// add returns false when the hub has stopped.
func (h *Hub) add(s *session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(s *session) {
	select {
	case h.unregister <- s:
	case <-h.done:
		s.close()
	}
}
