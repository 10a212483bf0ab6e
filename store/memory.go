package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of SnapshotStore.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]Snapshot)}
}

func (s *MemoryStore) Load(_ context.Context, roomID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	out := clone(snap)
	return &out, nil
}

func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	if snap.RoomID == "" {
		return fmt.Errorf("save snapshot: empty room id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[snap.RoomID] = clone(snap)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, roomID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
