// Package eventbus broadcasts every upward application callback this
// engine fires (spec.md §6.3's OnState/OnFlags/OnLocked/OnAseState) to
// every subscribed monitoring client over a WebSocket, the same role the
// teacher's utils.WebSocketHub plays for its own connection/media events.
package eventbus

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one broadcast message: a short type tag plus an arbitrary
// JSON-able payload, the shape of the teacher's utils.WebSocketEvent.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub fans Event values out to every currently-connected monitoring
// client, dropping any client whose write doesn't keep up rather than
// letting a slow reader stall the others.
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
}

// NewHub creates an empty Hub ready to accept connections at ServeHTTP.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// resulting connection as a broadcast recipient until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("eventbus: upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	go h.keepAlive(conn)
	go h.drainUntilClosed(conn)
}

// keepAlive pings the client every 30 seconds until the write fails, then
// removes it from the broadcast set.
func (h *Hub) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			h.remove(conn)
			return
		}
	}
}

// drainUntilClosed reads (and discards) client frames so control frames
// like pong and close are processed, until the connection errors out.
func (h *Hub) drainUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Broadcast fans ev out to every connected client concurrently, with a
// short per-write deadline so one slow client cannot block the rest, then
// drops any client whose write failed.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, c := range clients {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
			if err := conn.WriteJSON(ev); err != nil {
				failedMu.Lock()
				failed = append(failed, conn)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, c := range failed {
		h.remove(c)
	}
}
