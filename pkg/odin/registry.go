package odin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry tracks the active rooms of a process, keyed by room id.
// Rooms deregister themselves when they reach StatusLeft.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// JoinRoom creates a room, joins it and registers it under the room id
// from the join accept. Joining a room id that is already registered
// leaves the fresh session again and fails.
func (g *Registry) JoinRoom(ctx context.Context, opts Options, roomToken string) (*Room, error) {
	room, err := NewRoom(opts)
	if err != nil {
		return nil, err
	}
	if err := room.Join(ctx, roomToken); err != nil {
		return nil, err
	}

	id := room.ID()
	g.mu.Lock()
	if _, exists := g.rooms[id]; exists {
		g.mu.Unlock()
		room.Leave()
		return nil, newInvalidStateError(fmt.Sprintf("room %q already joined", id))
	}
	g.rooms[id] = room
	g.mu.Unlock()

	room.Events().Left.Subscribe(func(LeftEvent) {
		g.remove(id, room)
	})
	// The room may have died between the join and the subscription.
	if room.Status() == StatusLeft {
		g.remove(id, room)
	}
	return room, nil
}

// Room looks up a registered room by id.
func (g *Registry) Room(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[id]
	return room, ok
}

// Rooms lists the registered rooms ordered by id.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// LeaveAll leaves every registered room.
func (g *Registry) LeaveAll() {
	for _, room := range g.Rooms() {
		room.Leave()
	}
}

func (g *Registry) remove(id string, room *Room) {
	g.mu.Lock()
	if current, exists := g.rooms[id]; exists && current == room {
		delete(g.rooms, id)
	}
	g.mu.Unlock()
}
