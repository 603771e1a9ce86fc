// Package chat is the chat room broker: room membership for live
// connections and persist-then-fan-out publishing.
package chat

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/roomrelay/internal/metrics"
	"github.com/cortexuvula/roomrelay/internal/store"
)

// ErrNoRoom is returned when a connection publishes without an active room,
// or names a room it is not subscribed to.
var ErrNoRoom = errors.New("not subscribed to a room")

// Member is a fan-out target. Enqueue must not block.
type Member interface {
	ID() string
	Enqueue(typ websocket.MessageType, data []byte) error
}

// Persister is the part of the message store the hub needs.
type Persister interface {
	Persist(ctx context.Context, d store.Draft) (store.Message, error)
}

const stripes = 64

// Hub owns chat room membership. A connection belongs to at most one room.
//
// Publishes to one room are serialized by a striped lock held from persist
// through enqueue, so every member sees a room's messages in the order the
// hub accepted them.
type Hub struct {
	store   Persister
	metrics *metrics.Metrics

	mu      sync.RWMutex
	rooms   map[string]map[string]Member // room → member id → member
	members map[string]string            // member id → room

	publishMu [stripes]sync.Mutex
}

// NewHub creates an empty hub.
func NewHub(p Persister, m *metrics.Metrics) *Hub {
	return &Hub{
		store:   p,
		metrics: m,
		rooms:   make(map[string]map[string]Member),
		members: make(map[string]string),
	}
}

// Subscribe puts m in roomID. Subscribing to the current room is a no-op;
// subscribing to another room leaves the previous one. Returns the room m
// left, if any.
func (h *Hub) Subscribe(m Member, roomID string) (previous string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	previous = h.members[m.ID()]
	if previous == roomID {
		return ""
	}
	if previous != "" {
		h.removeLocked(m.ID(), previous)
	}
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[string]Member)
		h.rooms[roomID] = set
	}
	set[m.ID()] = m
	h.members[m.ID()] = roomID
	h.metrics.Rooms("chat", len(h.rooms))
	return previous
}

// Unsubscribe removes m from roomID. Reports whether m was a member.
func (h *Hub) Unsubscribe(m Member, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.members[m.ID()] != roomID {
		return false
	}
	h.removeLocked(m.ID(), roomID)
	h.metrics.Rooms("chat", len(h.rooms))
	return true
}

// Leave removes m from whatever room it is in. Called on close.
func (h *Hub) Leave(m Member) {
	h.leave(m.ID())
}

func (h *Hub) leave(memberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.members[memberID]; ok {
		h.removeLocked(memberID, room)
		h.metrics.Rooms("chat", len(h.rooms))
	}
}

func (h *Hub) removeLocked(memberID, roomID string) {
	delete(h.members, memberID)
	if set, ok := h.rooms[roomID]; ok {
		delete(set, memberID)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// RoomOf returns the room memberID is subscribed to, or "".
func (h *Hub) RoomOf(memberID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.members[memberID]
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

// MemberCount returns the number of subscribed connections.
func (h *Hub) MemberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// PublishFrom publishes d on behalf of member m into m's current room.
// d.RoomID may be empty; if set it must name m's room.
func (h *Hub) PublishFrom(ctx context.Context, m Member, d store.Draft) (store.Message, error) {
	room := h.RoomOf(m.ID())
	if room == "" || (d.RoomID != "" && d.RoomID != room) {
		return store.Message{}, ErrNoRoom
	}
	d.RoomID = room
	return h.Publish(ctx, m.ID(), d)
}

// Publish persists d and then delivers it to every member of d.RoomID
// except excludeID. Nothing is delivered if persisting fails.
func (h *Hub) Publish(ctx context.Context, excludeID string, d store.Draft) (store.Message, error) {
	lock := &h.publishMu[stripe(d.RoomID)]
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	msg, err := h.store.Persist(ctx, d)
	if err != nil {
		result := "persist_failed"
		if errors.Is(err, store.ErrInvalidMessage) {
			result = "invalid"
		}
		h.metrics.Publish(result, 0)
		return store.Message{}, err
	}
	h.metrics.Publish("ok", time.Since(start))

	frame, err := encode(outbound{Type: typeMessage, Message: &msg})
	if err != nil {
		return msg, fmt.Errorf("encode message: %w", err)
	}

	h.mu.RLock()
	targets := make([]Member, 0, len(h.rooms[msg.RoomID]))
	for id, member := range h.rooms[msg.RoomID] {
		if id != excludeID {
			targets = append(targets, member)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, member := range targets {
		if err := member.Enqueue(websocket.MessageText, frame); err != nil {
			slog.Debug("pruning chat member", "room", msg.RoomID, "connection", member.ID(), "error", err)
			h.metrics.Dropped("chat", dropReason(err))
			h.leave(member.ID())
			continue
		}
		delivered++
	}
	h.metrics.Delivered("chat", delivered)
	return msg, nil
}

func stripe(roomID string) uint32 {
	f := fnv.New32a()
	f.Write([]byte(roomID))
	return f.Sum32() % stripes
}
