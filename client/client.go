// Package client joins collaborative rooms: it speaks the room protocol over
// a websocket, keeps each room's storage tree and presence in sync, and
// reconnects on its own when the network drops.
package client

import (
	"context"
	"sort"
	"sync"
)

type roomRef struct {
	room *Room
	refs int
}

// Client owns the rooms it has entered. Entering the same room twice
// shares one Room; it is closed when the last holder leaves.
type Client struct {
	opts Options

	mu     sync.Mutex
	rooms  map[string]*roomRef
	closed bool
}

// New returns a Client whose rooms are created with opts.
func New(opts Options) *Client {
	return &Client{
		opts:  opts,
		rooms: make(map[string]*roomRef),
	}
}

// Enter returns the room with roomID, creating and connecting it on first
// use. initialPresence applies only when the room is created. Every Enter
// must be matched by a Leave.
func (c *Client) Enter(ctx context.Context, roomID string, initialPresence map[string]any) (*Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if ref, ok := c.rooms[roomID]; ok {
		ref.refs++
		return ref.room, nil
	}
	opts := c.opts
	if initialPresence != nil {
		opts.InitialPresence = initialPresence
	}
	room, err := NewRoom(ctx, roomID, opts)
	if err != nil {
		return nil, err
	}
	c.rooms[roomID] = &roomRef{room: room, refs: 1}
	return room, nil
}

// Leave releases one Enter of roomID. The last release closes the room.
func (c *Client) Leave(roomID string) {
	c.mu.Lock()
	ref, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	ref.refs--
	if ref.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.rooms, roomID)
	c.mu.Unlock()

	ref.room.Leave()
}

// Room returns an entered room.
func (c *Client) Room(roomID string) (*Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.rooms[roomID]
	if !ok {
		return nil, false
	}
	return ref.room, true
}

// Rooms lists the ids of entered rooms.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close leaves every room regardless of how often it was entered. Enter
// fails afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	rooms := c.rooms
	c.rooms = make(map[string]*roomRef)
	c.mu.Unlock()

	for _, ref := range rooms {
		ref.room.Leave()
	}
}
