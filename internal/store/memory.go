package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend keeps a bounded per-room history in process memory.
// Rooms survive for the process lifetime; history beyond retention is dropped
// oldest first.
type MemoryBackend struct {
	mu        sync.RWMutex
	rooms     map[string]*roomLog
	registry  map[string]Room // by id
	byScope   map[Scope]string
	retention int
}

type roomLog struct {
	messages []Message
}

// NewMemoryBackend creates a backend retaining up to retention messages per
// room. retention <= 0 keeps everything.
func NewMemoryBackend(retention int) *MemoryBackend {
	return &MemoryBackend{
		rooms:     make(map[string]*roomLog),
		registry:  make(map[string]Room),
		byScope:   make(map[Scope]string),
		retention: retention,
	}
}

func (b *MemoryBackend) Insert(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rl, ok := b.rooms[m.RoomID]
	if !ok {
		rl = &roomLog{}
		b.rooms[m.RoomID] = rl
	}
	for i := len(rl.messages) - 1; i >= 0; i-- {
		if rl.messages[i].ID == m.ID {
			return fmt.Errorf("duplicate message id %s", m.ID)
		}
	}
	rl.messages = append(rl.messages, m)
	if b.retention > 0 && len(rl.messages) > b.retention {
		excess := len(rl.messages) - b.retention
		rl.messages = append([]Message(nil), rl.messages[excess:]...)
	}
	return nil
}

func (b *MemoryBackend) History(ctx context.Context, roomID, since string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	rl, ok := b.rooms[roomID]
	if !ok {
		return nil, nil
	}
	msgs := rl.messages

	cursor := -1
	if since != "" {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].ID == since {
				cursor = i
				break
			}
		}
	}

	if cursor >= 0 {
		msgs = msgs[cursor+1:]
		if limit > 0 && limit < len(msgs) {
			msgs = msgs[:limit]
		}
	} else if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]Message, len(msgs))
	copy(result, msgs)
	return result, nil
}

func (b *MemoryBackend) UpsertRoom(ctx context.Context, candidate Room) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	scope := Scope{ProjectID: candidate.ProjectID, TeamID: candidate.TeamID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.byScope[scope]; ok {
		return b.registry[id], nil
	}
	b.registry[candidate.ID] = candidate
	b.byScope[scope] = candidate.ID
	return candidate, nil
}

func (b *MemoryBackend) Room(ctx context.Context, id string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.registry[id]
	if !ok {
		return Room{}, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	return r, nil
}

// Count returns the number of retained messages for a room.
func (b *MemoryBackend) Count(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rl, ok := b.rooms[roomID]; ok {
		return len(rl.messages)
	}
	return 0
}

func (b *MemoryBackend) Ping(ctx context.Context) error { return ctx.Err() }

func (b *MemoryBackend) Close() error { return nil }
