// Package history keeps the undo and redo stacks of a room.
package history

import (
	"errors"

	"github.com/alimasry/go-liveroom/crdt"
)

// ErrEmpty is returned by Undo and Redo when the stack has no entry.
var ErrEmpty = errors.New("history: nothing to replay")

// Item is one undoable unit: storage ops to apply in order, and a presence
// patch. Either part may be empty.
type Item struct {
	Ops      []crdt.Op
	Presence map[string]any
}

// Empty reports whether applying the item would do nothing.
func (it Item) Empty() bool { return len(it.Ops) == 0 && len(it.Presence) == 0 }

// then folds a later item into it: its ops run first when undoing, and
// presence keys already captured keep their earlier value.
func (it *Item) then(later Item) {
	if len(later.Ops) > 0 {
		it.Ops = append(append([]crdt.Op(nil), later.Ops...), it.Ops...)
	}
	for k, v := range later.Presence {
		if it.Presence == nil {
			it.Presence = make(map[string]any)
		}
		if _, ok := it.Presence[k]; !ok {
			it.Presence[k] = v
		}
	}
}

// Replayer applies an item as fresh local mutations and returns the item
// that reverts what it applied.
type Replayer interface {
	Replay(Item) (Item, error)
}

// Manager is owned by the room event loop and is not safe for concurrent use.
type Manager struct {
	replayer Replayer
	undo     []Item
	redo     []Item

	depth int
	group Item
}

func NewManager(r Replayer) *Manager {
	return &Manager{replayer: r}
}

// Record pushes the inverse of a user mutation. A new mutation always clears
// the redo stack. While paused, inverses coalesce into one entry.
func (m *Manager) Record(inverse Item) {
	if inverse.Empty() {
		return
	}
	m.redo = nil
	if m.depth > 0 {
		m.group.then(inverse)
		return
	}
	m.undo = append(m.undo, inverse)
}

// Pause starts coalescing recorded mutations into a single entry. Calls nest.
func (m *Manager) Pause() {
	m.depth++
}

// Resume ends the innermost Pause. The outermost Resume pushes the
// coalesced entry.
func (m *Manager) Resume() {
	if m.depth == 0 {
		return
	}
	m.depth--
	if m.depth > 0 {
		return
	}
	group := m.group
	m.group = Item{}
	if !group.Empty() {
		m.undo = append(m.undo, group)
	}
}

// Paused reports whether mutations are being coalesced.
func (m *Manager) Paused() bool { return m.depth > 0 }

// Undo reverts the latest entry and makes it redoable.
func (m *Manager) Undo() error {
	return m.replay(&m.undo, &m.redo)
}

// Redo re-applies the latest undone entry.
func (m *Manager) Redo() error {
	return m.replay(&m.redo, &m.undo)
}

func (m *Manager) replay(from, to *[]Item) error {
	if m.depth > 0 {
		// Close the open group so it is undone as a unit.
		m.depth = 1
		m.Resume()
	}
	n := len(*from)
	if n == 0 {
		return ErrEmpty
	}
	entry := (*from)[n-1]
	*from = (*from)[:n-1]
	inverse, err := m.replayer.Replay(entry)
	if !inverse.Empty() {
		*to = append(*to, inverse)
	}
	return err
}

func (m *Manager) CanUndo() bool { return len(m.undo) > 0 }

func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }

// Clear drops both stacks.
func (m *Manager) Clear() {
	m.undo, m.redo = nil, nil
	m.group = Item{}
}
