// Package document relays opaque collaborative-editing frames between the
// connections of a document room. Frames are never parsed or stored.
package document

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/cortexuvula/roomrelay/internal/metrics"
	"github.com/cortexuvula/roomrelay/internal/peer"
)

// Member is a relay target. Enqueue must not block.
type Member interface {
	ID() string
	Enqueue(typ websocket.MessageType, data []byte) error
}

// Hub owns document room membership.
type Hub struct {
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]map[string]Member
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{metrics: m, rooms: make(map[string]map[string]Member)}
}

// Subscribe adds m to roomID. Repeated calls are no-ops.
func (h *Hub) Subscribe(m Member, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[string]Member)
		h.rooms[roomID] = set
	}
	set[m.ID()] = m
	h.metrics.Rooms("document", len(h.rooms))
}

// Unsubscribe removes the member with memberID from roomID.
func (h *Hub) Unsubscribe(memberID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(set, memberID)
	if len(set) == 0 {
		delete(h.rooms, roomID)
	}
	h.metrics.Rooms("document", len(h.rooms))
}

// Relay enqueues frame to every member of roomID except excludeID and
// returns how many members accepted it. Members whose queue rejects the
// frame are removed; the others are unaffected.
func (h *Hub) Relay(roomID string, typ websocket.MessageType, frame []byte, excludeID string) int {
	h.mu.RLock()
	targets := make([]Member, 0, len(h.rooms[roomID]))
	for id, m := range h.rooms[roomID] {
		if id != excludeID {
			targets = append(targets, m)
		}
	}
	h.mu.RUnlock()

	h.metrics.Relayed(len(frame))
	delivered := 0
	for _, m := range targets {
		if err := m.Enqueue(typ, frame); err != nil {
			reason := "error"
			switch {
			case errors.Is(err, peer.ErrSlowConsumer):
				reason = "slow_consumer"
			case errors.Is(err, peer.ErrClosed):
				reason = "closed"
			}
			slog.Debug("pruning document peer", "room", roomID, "connection", m.ID(), "reason", reason)
			h.metrics.Dropped("document", reason)
			h.Unsubscribe(m.ID(), roomID)
			continue
		}
		delivered++
	}
	h.metrics.Delivered("document", delivered)
	return delivered
}

// Members returns the member ids of roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		ids = append(ids, id)
	}
	return ids
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// RoomSizes returns the member count of every room with at least one member.
func (h *Hub) RoomSizes() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sizes := make(map[string]int, len(h.rooms))
	for id, set := range h.rooms {
		sizes[id] = len(set)
	}
	return sizes
}
