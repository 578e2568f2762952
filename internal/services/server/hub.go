package server

import (
	"sync"

	"github.com/plantora/plantora/internal/metrics"
)

// Hub tracks the connected clients and the garden membership routing index.
// The index is a connection-routing cache only; authoritative membership
// lives in storage and the index is rebuilt as members connect and
// disconnect.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client           // client id -> client
	members map[int64]map[string]*Client // garden id -> client id -> client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		members: make(map[int64]map[string]*Client),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	if c.GardenID != 0 {
		if h.members[c.GardenID] == nil {
			h.members[c.GardenID] = make(map[string]*Client)
		}
		h.members[c.GardenID][c.ID] = c
	}
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(h.ClientCount()))
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		if g := h.members[c.GardenID]; g != nil {
			delete(g, c.ID)
			if len(g) == 0 {
				delete(h.members, c.GardenID)
			}
		}
		c.closeSend()
	}
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(h.ClientCount()))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers payload to every connected member of the garden except
// connections of excludeUser (none excluded when empty). Delivery is
// fire-and-forget: an offline member simply misses the event, and a member
// whose send queue is full is skipped. The delivered count is returned so
// callers cannot mistake this for a guaranteed channel.
func (h *Hub) Broadcast(gardenID int64, payload []byte, excludeUser string) int {
	if payload == nil {
		return 0
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.members[gardenID]))
	for _, c := range h.members[gardenID] {
		if excludeUser != "" && c.UserID == excludeUser {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.trySend(payload) {
			delivered++
		}
	}
	metrics.BroadcastsDelivered.Add(float64(delivered))
	return delivered
}

// SendToClient delivers payload to one connection.
func (h *Hub) SendToClient(clientID string, payload []byte) bool {
	if payload == nil {
		return false
	}
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.trySend(payload)
}

// SendToUser delivers payload to every connection of the user and returns
// the delivered count. Used when the original connection handle is no longer
// known, e.g. on assignment completion.
func (h *Hub) SendToUser(userID string, payload []byte) int {
	if payload == nil {
		return 0
	}
	h.mu.RLock()
	targets := make([]*Client, 0, 1)
	for _, c := range h.clients {
		if c.UserID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.trySend(payload) {
			delivered++
		}
	}
	return delivered
}
