package realtime

import (
	"sync"
)

// Hub tracks live connections per user.
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[string]*Client

	metrics *Metrics
}

// NewHub constructs a Hub. metrics may be nil.
func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		users:   make(map[string]map[string]*Client),
		metrics: metrics,
	}
}

// Add registers c and returns how many connections its user now has.
func (h *Hub) Add(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		h.users[c.UserID] = conns
	}
	if _, dup := conns[c.ConnID]; !dup {
		conns[c.ConnID] = c
		h.metrics.connDelta(1)
	}
	return len(conns)
}

// Remove forgets c. Removing an unknown client is a no-op.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[c.UserID]
	if !ok {
		return
	}
	if _, ok := conns[c.ConnID]; !ok {
		return
	}
	delete(conns, c.ConnID)
	h.metrics.connDelta(-1)
	if len(conns) == 0 {
		delete(h.users, c.UserID)
	}
}

// Connections returns the number of live connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Users returns the number of users with at least one connection.
func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}
