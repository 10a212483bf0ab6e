// Package store persists room snapshots so a room can start from local
// state and keep unacknowledged edits across restarts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/go-liveroom/crdt"
)

// ErrNotFound is returned when no snapshot exists for a room.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the persisted state of one room: the serialized tree, the
// local ops the server has not acknowledged yet and the allocator state
// needed to keep issuing unique op ids.
type Snapshot struct {
	RoomID    string      `json:"roomId"`
	Items     []crdt.Item `json:"items"`
	Pending   []crdt.Op   `json:"pending,omitempty"`
	Actor     int         `json:"actor"`
	Seq       int         `json:"seq"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// SnapshotStore abstracts snapshot persistence.
// Implementations: MemoryStore, CachedStore, SQLiteStore, FirestoreStore.
type SnapshotStore interface {
	Load(ctx context.Context, roomID string) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Delete(ctx context.Context, roomID string) error
	List(ctx context.Context) ([]string, error)
}

func clone(s Snapshot) Snapshot {
	s.Items = append([]crdt.Item(nil), s.Items...)
	s.Pending = append([]crdt.Op(nil), s.Pending...)
	return s
}
