package ui

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"directlink/activity"
	"directlink/session"
)

const (
	EventActivity = "activity"
	EventSnapshot = "snapshot"
	EventResult   = "result"

	clientBuffer = 64
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
)

// Event is one websocket frame sent to feed clients.
type Event struct {
	Type     string            `json:"type"`
	Activity *activity.Record  `json:"activity,omitempty"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Result   *Result           `json:"result,omitempty"`
}

// client owns one websocket. Only writeLoop writes to conn.
type client struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan Event, clientBuffer), done: make(chan struct{})}
}

// enqueue queues ev without blocking. It reports false when the client is
// gone or too slow to keep up.
func (c *client) enqueue(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub fans events out to every connected client. Clients that fall behind
// are dropped rather than allowed to stall the feed.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Broadcast queues ev for every client.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.enqueue(ev) {
			h.remove(c)
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]bool)
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}
