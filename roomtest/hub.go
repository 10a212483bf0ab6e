// Package roomtest runs an in-process room relay for tests. It speaks the
// room protocol over real websockets, assigns actors, keeps an
// authoritative storage tree and echoes every storage op to all peers.
package roomtest

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/alimasry/go-liveroom/crdt"
	"github.com/alimasry/go-liveroom/store"
)

// Hub manages room sessions and routes peers to the right session.
type Hub struct {
	store    store.SnapshotStore
	sessions map[string]*Session
	mu       sync.RWMutex

	joinRoom chan joinRequest
	closed   chan struct{}
	once     sync.Once
}

// NewHub returns a hub that seeds and persists rooms through st. st may be
// nil.
func NewHub(st store.SnapshotStore) *Hub {
	return &Hub{
		store:    st,
		sessions: make(map[string]*Session),
		joinRoom: make(chan joinRequest, 64),
		closed:   make(chan struct{}),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case req := <-h.joinRoom:
			h.handleJoinRoom(req)
		case <-h.closed:
			return
		}
	}
}

func (h *Hub) handleJoinRoom(req joinRequest) {
	h.mu.Lock()
	s, ok := h.sessions[req.roomID]
	if !ok {
		items, err := h.loadItems(req.roomID)
		if err != nil {
			log.Printf("hub: failed to load room %q: %v", req.roomID, err)
			h.mu.Unlock()
			req.done <- err
			return
		}
		s = newSession(req.roomID, items, h.store)
		h.sessions[req.roomID] = s
		go s.Run()
	}
	h.mu.Unlock()

	s.join <- req
}

func (h *Hub) loadItems(roomID string) ([]crdt.Item, error) {
	if h.store == nil {
		return nil, nil
	}
	snap, err := h.store.Load(context.Background(), roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap.Items, nil
}

// join routes p into roomID and waits until the session has admitted it.
func (h *Hub) join(p *Peer, roomID string) error {
	req := joinRequest{peer: p, roomID: roomID, done: make(chan error, 1)}
	select {
	case h.joinRoom <- req:
	case <-h.closed:
		return errors.New("hub closed")
	}
	return <-req.done
}

// GetSession returns the session for a room, if active.
func (h *Hub) GetSession(roomID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[roomID]
}

// Close stops the hub and every session.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.closed)
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, s := range h.sessions {
			close(s.stop)
		}
	})
}
