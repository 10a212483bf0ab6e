package store

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/alimasry/go-liveroom/poller"
)

// dirtyState tracks what needs flushing for a single room.
type dirtyState struct {
	deleted bool // room removed locally, delete from backing store
	version int  // bumped on every local write
}

// CachedStore wraps a backing SnapshotStore with an in-memory cache.
// All reads and writes are served from the cache. Dirty rooms are flushed
// to the backing store by a Poller, which stretches the interval while the
// backing store keeps failing.
type CachedStore struct {
	cache   *MemoryStore
	backing SnapshotStore
	mu      sync.Mutex
	dirty   map[string]*dirtyState
	flusher *poller.Poller
	closed  bool
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty rooms to the backing store every flushInterval.
func NewCachedStore(backing SnapshotStore, flushInterval time.Duration) *CachedStore {
	cs := &CachedStore{
		cache:   NewMemoryStore(),
		backing: backing,
		dirty:   make(map[string]*dirtyState),
	}
	cs.flusher = poller.New(cs.Flush, poller.Options{
		Interval: flushInterval,
		Logger:   log.Default(),
	})
	cs.flusher.Inc()
	return cs
}

func (cs *CachedStore) Load(ctx context.Context, roomID string) (*Snapshot, error) {
	snap, err := cs.cache.Load(ctx, roomID)
	if err == nil {
		return snap, nil
	}
	cs.mu.Lock()
	ds := cs.dirty[roomID]
	cs.mu.Unlock()
	if ds != nil && ds.deleted {
		return nil, err
	}
	// Cache miss, load from backing store.
	snap, err = cs.backing.Load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	cs.cache.mu.Lock()
	if _, exists := cs.cache.rooms[roomID]; !exists {
		cs.cache.rooms[roomID] = clone(*snap)
	}
	cs.cache.mu.Unlock()
	return cs.cache.Load(ctx, roomID)
}

func (cs *CachedStore) Save(ctx context.Context, snap Snapshot) error {
	if err := cs.cache.Save(ctx, snap); err != nil {
		return err
	}
	cs.markDirty(snap.RoomID, false)
	return nil
}

func (cs *CachedStore) Delete(ctx context.Context, roomID string) error {
	if err := cs.cache.Delete(ctx, roomID); err != nil {
		return err
	}
	cs.markDirty(roomID, true)
	return nil
}

// List merges the rooms in the backing store with unflushed local changes.
func (cs *CachedStore) List(ctx context.Context) ([]string, error) {
	ids, err := cs.backing.List(ctx)
	if err != nil {
		return nil, err
	}
	cached, _ := cs.cache.List(ctx)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	seen := make(map[string]bool, len(ids)+len(cached))
	var out []string
	for _, id := range append(ids, cached...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		if ds := cs.dirty[id]; ds != nil && ds.deleted {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (cs *CachedStore) markDirty(roomID string, deleted bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ds := cs.dirty[roomID]
	if ds == nil {
		ds = &dirtyState{}
		cs.dirty[roomID] = ds
	}
	ds.deleted = deleted
	ds.version++
}

// Flush writes all dirty rooms to the backing store. Rooms that fail stay
// dirty and are retried on the next flush.
func (cs *CachedStore) Flush(ctx context.Context) error {
	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	snapshot := make(map[string]dirtyState, len(cs.dirty))
	for id, ds := range cs.dirty {
		snapshot[id] = *ds
	}
	cs.mu.Unlock()

	var errs []error
	for id, ds := range snapshot {
		var err error
		if ds.deleted {
			err = cs.backing.Delete(ctx, id)
		} else {
			var snap *Snapshot
			snap, err = cs.cache.Load(ctx, id)
			if err == nil {
				err = cs.backing.Save(ctx, *snap)
			}
		}
		if err != nil {
			log.Printf("cached store: failed to flush room %q: %v", id, err)
			errs = append(errs, err)
			continue
		}

		// Only clear the entry if no new writes happened since the copy.
		cs.mu.Lock()
		if cur := cs.dirty[id]; cur != nil && cur.version == ds.version {
			delete(cs.dirty, id)
		}
		cs.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Dirty reports the number of rooms waiting to be flushed.
func (cs *CachedStore) Dirty() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.dirty)
}

// Close stops the background flusher and performs a final flush.
func (cs *CachedStore) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.mu.Unlock()

	cs.flusher.Close()
	return cs.Flush(context.Background())
}
