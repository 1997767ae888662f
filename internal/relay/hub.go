package relay

import (
	"sync"

	"github.com/gofiber/websocket/v2"
)

// Hub tracks the websocket clients attached to this relay process and which
// push topics each one watches.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client         // client id -> client
	topics  map[string]map[string]bool // topic -> set of client ids
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		topics:  make(map[string]map[string]bool),
	}
}

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

func (h *Hub) Remove(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.send)
	}
	delete(h.clients, clientID)
	for _, members := range h.topics {
		delete(members, clientID)
	}
}

func (h *Hub) Watch(topic, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[string]bool)
	}
	h.topics[topic][clientID] = true
}

func (h *Hub) Unwatch(topic, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.topics[topic]; ok {
		delete(members, clientID)
	}
}

// Broadcast sends a frame to every client watching the topic. Slow clients
// drop frames rather than stall the fan-out; they re-converge from the store.
func (h *Hub) Broadcast(topic string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for clientID := range h.topics[topic] {
		if c, ok := h.clients[clientID]; ok {
			c.enqueue(frame)
		}
	}
}

// Client is one attached websocket connection.
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
}

func NewClient(id, userID string, conn *websocket.Conn) *Client {
	return &Client{ID: id, UserID: userID, conn: conn, send: make(chan []byte, 64)}
}

func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		// drop if blocked
	}
}

// WritePump drains the send queue onto the socket until Remove closes it.
func (c *Client) WritePump() {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}
