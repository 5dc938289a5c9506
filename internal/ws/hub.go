package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/telemetry"
)

// Hub tracks connections per user and the conversations each connection has
// joined.
type Hub struct {
	mu      sync.RWMutex
	users   map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	joined  map[*Client]map[string]struct{}
	emitter *telemetry.AuditEmitter
}

// NewHub creates an empty hub. emitter may be nil.
func NewHub(emitter *telemetry.AuditEmitter) *Hub {
	return &Hub{
		users:   make(map[string]map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		joined:  make(map[*Client]map[string]struct{}),
		emitter: emitter,
	}
}

// Register adds a connection for its user.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.users[c.user.ID]; !ok {
		h.users[c.user.ID] = make(map[*Client]struct{})
	}
	h.users[c.user.ID][c] = struct{}{}
	h.joined[c] = make(map[string]struct{})
}

// Unregister removes a connection from every room and closes its send queue.
// It reports false when the connection was already gone.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregisterLocked(c)
}

func (h *Hub) unregisterLocked(c *Client) bool {
	rooms, ok := h.joined[c]
	if !ok {
		return false
	}
	for convID := range rooms {
		h.leaveLocked(convID, c)
	}
	delete(h.joined, c)
	if conns, ok := h.users[c.user.ID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.user.ID)
		}
	}
	close(c.send)
	return true
}

// Join subscribes a connection to a conversation's room.
func (h *Hub) Join(convID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.joined[c]
	if !ok {
		return
	}
	if _, ok := h.rooms[convID]; !ok {
		h.rooms[convID] = make(map[*Client]struct{})
	}
	h.rooms[convID][c] = struct{}{}
	rooms[convID] = struct{}{}
}

// Leave drops a connection from a conversation's room.
func (h *Hub) Leave(convID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(convID, c)
}

func (h *Hub) leaveLocked(convID string, c *Client) {
	if conns, ok := h.rooms[convID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, convID)
		}
	}
	if rooms, ok := h.joined[c]; ok {
		delete(rooms, convID)
	}
}

// Joined reports whether the connection is in the conversation's room.
func (h *Hub) Joined(convID string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[convID][c]
	return ok
}

// UserInRoom reports whether any connection of userID has the conversation
// open.
func (h *Hub) UserInRoom(convID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[convID] {
		if c.user.ID == userID {
			return true
		}
	}
	return false
}

// SendTo queues a frame for one connection.
func (h *Hub) SendTo(c *Client, kind models.EventKind, payload any) {
	data, ok := encode(kind, payload)
	if !ok {
		return
	}
	h.deliver([]*Client{c}, data)
}

// SendToUser queues a frame for every connection of userID.
func (h *Hub) SendToUser(userID string, kind models.EventKind, payload any) {
	h.SendToUsers([]string{userID}, kind, payload)
}

// SendToUsers queues a frame for every connection of the given users.
func (h *Hub) SendToUsers(userIDs []string, kind models.EventKind, payload any) {
	data, ok := encode(kind, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	var targets []*Client
	for _, id := range userIDs {
		for c := range h.users[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, data)
}

// BroadcastRoom queues a frame for every connection in the conversation's
// room, skipping connections of exceptUserID.
func (h *Hub) BroadcastRoom(convID string, kind models.EventKind, payload any, exceptUserID string) {
	data, ok := encode(kind, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[convID]))
	for c := range h.rooms[convID] {
		if exceptUserID != "" && c.user.ID == exceptUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, data)
}

// deliver never blocks: a connection whose queue is full is dropped.
func (h *Hub) deliver(targets []*Client, data []byte) {
	var slow []*Client
	h.mu.RLock()
	for _, c := range targets {
		if _, ok := h.joined[c]; !ok {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if !h.Unregister(c) {
			continue
		}
		log.Warn().Str("component", "ws").Str("conn_id", c.info.ConnID).Str("user_id", c.user.ID).Msg("dropping slow websocket client")
		if c.conn != nil {
			_ = c.conn.Close()
		}
		h.publishWSError(c, "send queue full")
	}
}

func (h *Hub) publishWSError(c *Client, reason string) {
	observability.IncWSEvent("ws_error")
	h.emitter.WSEvent(context.Background(), "ws_error", c.info.eventPayload("ws_error", reason), c.info.RequestID, c.info.TraceID)
}
