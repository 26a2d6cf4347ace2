package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// clientBuffer is how many events a slow client may lag behind before
// it is dropped
const clientBuffer = 64

// SSEHub fans events out to the connected clients
type SSEHub struct {
	clients    map[chan SSEEvent]struct{}
	broadcast  chan SSEEvent
	register   chan chan SSEEvent
	unregister chan chan SSEEvent
	done       chan struct{}
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[chan SSEEvent]struct{}),
		broadcast:  make(chan SSEEvent, clientBuffer),
		register:   make(chan chan SSEEvent),
		unregister: make(chan chan SSEEvent),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx ends, then closes every client
func (h *SSEHub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			close(client)
		}
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast queues an event for all clients. It never blocks once the
// hub has stopped.
func (h *SSEHub) Broadcast(event SSEEvent) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

func (h *SSEHub) subscribe() (chan SSEEvent, bool) {
	client := make(chan SSEEvent, clientBuffer)
	select {
	case h.register <- client:
		return client, true
	case <-h.done:
		return nil, false
	}
}

func (h *SSEHub) unsubscribe(client chan SSEEvent) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		client, ok := s.hub.subscribe()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				s.hub.unsubscribe(client)
				return
			case event, open := <-client:
				if !open {
					return
				}
				data, _ := json.Marshal(event.Data)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
