package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itskum47/horizonq/eventmodel"
)

const maxStreamConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHub broadcasts ExecutionRecords to every connected websocket
// client as they're produced, one broadcaster goroutine fanning out to
// all clients so no single slow client blocks the hot path.
type StreamHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan eventmodel.ExecutionRecord
}

// NewStreamHub builds an idle StreamHub; call Run to start broadcasting.
func NewStreamHub() *StreamHub {
	return &StreamHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan eventmodel.ExecutionRecord, 256),
	}
}

// Run drives the hub until ctx is cancelled.
func (h *StreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamConnections {
				h.mu.Unlock()
				conn.WriteMessage(websocket.CloseMessage, []byte("too many connections"))
				conn.Close()
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case rec := <-h.broadcast:
			h.publish(rec)
		}
	}
}

func (h *StreamHub) publish(rec eventmodel.ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(rec); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *StreamHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Publish queues rec for broadcast. Never blocks the caller: a full
// channel drops the record rather than stall HotLoop's execution path.
func (h *StreamHub) Publish(rec eventmodel.ExecutionRecord) {
	select {
	case h.broadcast <- rec:
	default:
		log.Printf("streamhub: broadcast channel full, dropping record %s", rec.ExecutionID)
	}
}

// ClientCount reports the current number of connected websocket clients.
func (h *StreamHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleStream upgrades the request to a websocket and registers it with
// the hub.
func (h *StreamHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("streamhub: upgrade failed: %v", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
