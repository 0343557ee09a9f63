package websocket

import (
	"log/slog"
	"sync"

	"github.com/dukerupert/tillscan/internal/metrics"
)

// Hub tracks every open relay connection so they can be counted and shut
// down together. Routing between peers is the broker's job, not the hub's.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHub creates a new Hub. m may be nil.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	_, dup := h.clients[c]
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if !dup {
		h.metrics.PeerConnected(string(c.role), 1)
	}
}

// Unregister removes a client from the hub. The client's send channel is left
// open; Close is what stops its writer.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		h.metrics.PeerConnected(string(c.role), -1)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Count returns the number of connected clients with the given role.
func (h *Hub) Count(role Role) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.clients {
		if c.role == role {
			n++
		}
	}
	return n
}

// CloseAll closes every registered client. Used on shutdown, since
// http.Server.Shutdown does not wait for hijacked connections.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	if len(clients) > 0 {
		h.logger.Info("closed relay connections", "count", len(clients))
	}
}
