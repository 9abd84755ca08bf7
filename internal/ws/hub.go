// Package ws streams saga events to websocket clients.
package ws

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const defaultMaxConnections = 1000

// ErrMaxConnections is returned when the hub is full.
var ErrMaxConnections = errors.New("max websocket connections exceeded")

// Filter 订阅过滤条件，空字段匹配全部
type Filter struct {
	SagaID string
	Saga   string
}

func (f Filter) match(sagaID, name string) bool {
	if f.SagaID != "" && f.SagaID != sagaID {
		return false
	}
	if f.Saga != "" && f.Saga != name {
		return false
	}
	return true
}

// Client wraps a websocket connection with a send channel.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	filter Filter
}

// Hub manages websocket subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	max     int
	dropped int64
}

// NewHub creates a hub; limit <= 0 uses the default.
func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = defaultMaxConnections
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		max:     limit,
	}
}

// Subscribe registers a connection and returns the client wrapper.
func (h *Hub) Subscribe(conn *websocket.Conn, filter Filter) (*Client, error) {
	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		filter: filter,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.max {
		return nil, ErrMaxConnections
	}
	h.clients[client] = struct{}{}
	return client, nil
}

// Unsubscribe removes a connection. Safe to call twice.
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

// Broadcast sends a message to every client whose filter matches.
func (h *Hub) Broadcast(sagaID, name string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.filter.match(sagaID, name) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// 慢客户端直接丢弃
			atomic.AddInt64(&h.dropped, 1)
		}
	}
}

// ConnectionCount returns active websocket connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were dropped for slow clients.
func (h *Hub) Dropped() int64 {
	return atomic.LoadInt64(&h.dropped)
}

// CloseAll closes all active websocket connections.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		conns = append(conns, client.conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
