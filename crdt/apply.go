package crdt

import (
	"fmt"
	"sort"
)

// check validates a local op against the current tree without mutating it.
func (t *Tree) check(op Op) error {
	return t.validate(op, modeLocal)
}

func (t *Tree) validate(op Op, mode applyMode) error {
	fail := func(format string, args ...any) error {
		if mode == modeRemote {
			return &StructuralConflict{OpID: op.OpID, Reason: fmt.Sprintf(format, args...)}
		}
		return invalid(op, format, args...)
	}
	// Remote ops on deleted nodes are dropped silently by apply.
	missing := func(id string) error {
		if mode == modeRemote {
			return nil
		}
		return fail("node %q does not exist", id)
	}

	switch {
	case op.Type.IsCreate():
		if op.ID == RootID {
			return fail("cannot create the root")
		}
		if mode == modeLocal && op.ID != "" {
			if _, ok := t.nodes[op.ID]; ok {
				return fail("node already exists")
			}
		}
		parent, ok := t.nodes[op.ParentID]
		if !ok {
			return missing(op.ParentID)
		}
		return t.validPlacement(parent, op.ParentKey, fail)

	case op.Type == OpUpdateObject:
		n, ok := t.nodes[op.ID]
		if !ok {
			return missing(op.ID)
		}
		if n.Kind != KindObject {
			return fail("node is a %s, not an object", n.Kind)
		}
		if len(op.Data) == 0 {
			return fail("no fields to update")
		}

	case op.Type == OpDeleteObjectKey:
		n, ok := t.nodes[op.ID]
		if !ok {
			return missing(op.ID)
		}
		if n.Kind != KindObject && n.Kind != KindMap {
			return fail("node is a %s, not an object or map", n.Kind)
		}
		if op.Key == "" {
			return fail("empty key")
		}

	case op.Type == OpDeleteCrdt:
		if op.ID == RootID {
			return fail("cannot delete the root")
		}
		if _, ok := t.nodes[op.ID]; !ok {
			return missing(op.ID)
		}

	case op.Type == OpSetParentKey:
		if op.ID == RootID {
			return fail("cannot move the root")
		}
		n, ok := t.nodes[op.ID]
		if !ok {
			return missing(op.ID)
		}
		parentID := op.ParentID
		if parentID == "" {
			parentID = n.ParentID
		}
		parent, ok := t.nodes[parentID]
		if !ok {
			return missing(parentID)
		}
		if err := t.validPlacement(parent, op.ParentKey, fail); err != nil {
			return err
		}
		for p := parent; p != nil; p = t.nodes[p.ParentID] {
			if p.ID == n.ID {
				return fail("moving under %s would create a cycle", parent.ID)
			}
		}

	default:
		return fail("unknown op type")
	}
	return nil
}

func (t *Tree) validPlacement(parent *Node, key string, fail func(string, ...any) error) error {
	if !parent.Kind.container() {
		return fail("parent %s is a register", parent.ID)
	}
	if key == "" {
		return fail("empty parent key")
	}
	if parent.Kind == KindList && !ValidPosition(key) {
		return fail("invalid list position %q", key)
	}
	return nil
}

// apply mutates the tree and returns the ops that undo the mutation.
func (t *Tree) apply(op Op, mode applyMode) ([]Op, Update, error) {
	upd := Update{Local: mode != modeRemote}
	if err := t.validate(op, mode); err != nil {
		return nil, upd, err
	}
	var rev []Op
	switch {
	case op.Type.IsCreate():
		rev = t.create(op, mode, &upd)
	case op.Type == OpUpdateObject:
		rev = t.updateObject(op, mode, &upd)
	case op.Type == OpDeleteObjectKey:
		rev = t.deleteObjectKey(op, mode, &upd)
	case op.Type == OpDeleteCrdt:
		rev = t.deleteCrdt(op, &upd)
	case op.Type == OpSetParentKey:
		rev = t.setParentKey(op, mode, &upd)
	}
	if mode != modeRemote && !upd.Empty() {
		t.markUnacked(op)
	}
	return rev, upd, nil
}

func (t *Tree) create(op Op, mode applyMode, upd *Update) []Op {
	if _, ok := t.nodes[op.ID]; ok {
		return nil
	}
	parent, ok := t.nodes[op.ParentID]
	if !ok {
		t.deleted[op.ID] = struct{}{}
		return nil
	}
	if mode == modeRemote && t.protected(parent, op.ParentKey) {
		// Our pending write to that key lands after this op on the server.
		t.deleted[op.ID] = struct{}{}
		return nil
	}
	n := newNode(op.ID, kindOf(op.Type), parent.ID, op.ParentKey)
	switch n.Kind {
	case KindObject:
		for k, v := range op.Data {
			n.fields[k] = v
		}
	case KindRegister:
		n.value = op.Value
	}
	delete(t.deleted, n.ID)
	t.nodes[n.ID] = n
	rev := append([]Op{DeleteCrdt(n.ID)}, t.attach(n, parent, upd)...)
	upd.touch(parent.ID, n.ID)
	return rev
}

func (t *Tree) updateObject(op Op, mode applyMode, upd *Update) []Op {
	n, ok := t.nodes[op.ID]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(op.Data))
	for k := range op.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	old := make(map[string]any)
	var rev []Op
	for _, k := range keys {
		if mode == modeRemote && t.protected(n, k) {
			continue
		}
		if child, ok := n.keyed[k]; ok {
			rev = append(rev, t.subtreeOps(t.nodes[child])...)
			t.removeSubtree(child, upd)
			delete(n.keyed, k)
		} else if prev, ok := n.fields[k]; ok {
			old[k] = prev
		} else {
			rev = append(rev, DeleteObjectKey(n.ID, k))
		}
		n.fields[k] = op.Data[k]
		upd.touch(n.ID)
	}
	if len(old) > 0 {
		rev = append([]Op{UpdateObject(n.ID, old)}, rev...)
	}
	return rev
}

func (t *Tree) deleteObjectKey(op Op, mode applyMode, upd *Update) []Op {
	n, ok := t.nodes[op.ID]
	if !ok {
		return nil
	}
	k := op.Key
	if mode == modeRemote && t.protected(n, k) {
		return nil
	}
	if child, ok := n.keyed[k]; ok {
		rev := t.subtreeOps(t.nodes[child])
		t.removeSubtree(child, upd)
		delete(n.keyed, k)
		upd.touch(n.ID)
		return rev
	}
	if prev, ok := n.fields[k]; ok {
		delete(n.fields, k)
		upd.touch(n.ID)
		return []Op{UpdateObject(n.ID, map[string]any{k: prev})}
	}
	return nil
}

func (t *Tree) deleteCrdt(op Op, upd *Update) []Op {
	n, ok := t.nodes[op.ID]
	if !ok {
		t.deleted[op.ID] = struct{}{}
		return nil
	}
	rev := t.subtreeOps(n)
	t.detach(n)
	t.removeSubtree(n.ID, upd)
	upd.touch(n.ParentID)
	return rev
}

func (t *Tree) setParentKey(op Op, mode applyMode, upd *Update) []Op {
	n, ok := t.nodes[op.ID]
	if !ok {
		return nil
	}
	parentID := op.ParentID
	if parentID == "" {
		parentID = n.ParentID
	}
	parent, ok := t.nodes[parentID]
	if !ok {
		return nil
	}
	if parent.ID == n.ParentID && op.ParentKey == n.ParentKey {
		return nil
	}
	if mode == modeRemote && t.protected(parent, op.ParentKey) {
		return nil
	}
	rev := []Op{SetParentKey(n.ID, n.ParentID, n.ParentKey)}
	oldParent := n.ParentID
	t.detach(n)
	n.ParentID, n.ParentKey = parent.ID, op.ParentKey
	rev = append(rev, t.attach(n, parent, upd)...)
	upd.touch(oldParent, parent.ID, n.ID)
	return rev
}

func (t *Tree) protected(n *Node, key string) bool {
	if !n.Kind.keyed() {
		return false
	}
	_, ok := n.unacked[key]
	return ok
}

// attach links n under parent at n.ParentKey. Whatever occupied that key of
// an object or map is removed; the returned ops restore it.
func (t *Tree) attach(n, parent *Node, upd *Update) []Op {
	if parent.Kind == KindList {
		t.insertOrdered(parent, n)
		return nil
	}
	key := n.ParentKey
	var rev []Op
	if old, ok := parent.keyed[key]; ok && old != n.ID {
		rev = append(rev, t.subtreeOps(t.nodes[old])...)
		t.removeSubtree(old, upd)
	}
	if parent.Kind == KindObject {
		if v, ok := parent.fields[key]; ok {
			rev = append(rev, UpdateObject(parent.ID, map[string]any{key: v}))
			delete(parent.fields, key)
		}
	}
	parent.keyed[key] = n.ID
	return rev
}

// insertOrdered places n among the list children. When n's position equals
// a sibling's, the child with the larger id moves to the shared key extended
// by one digit. The new key depends only on the colliding key, so every
// replica ends up with the same order whatever the arrival order.
func (t *Tree) insertOrdered(list, n *Node) {
	for {
		i := t.indexOfPosition(list, n.ParentKey)
		if i < 0 {
			break
		}
		sib := t.nodes[list.list[i]]
		if lessID(sib.ID, n.ID) {
			n.ParentKey = collisionKey(n.ParentKey)
			continue
		}
		list.list = append(list.list[:i], list.list[i+1:]...)
		t.place(list, n)
		sib.ParentKey = collisionKey(sib.ParentKey)
		n = sib
	}
	t.place(list, n)
}

func (t *Tree) indexOfPosition(list *Node, key string) int {
	for i, id := range list.list {
		if t.nodes[id].ParentKey == key {
			return i
		}
	}
	return -1
}

func collisionKey(key string) string {
	return key + string(digits[base/2])
}

func (t *Tree) place(list, n *Node) {
	i := sort.Search(len(list.list), func(i int) bool {
		sib := t.nodes[list.list[i]]
		if sib.ParentKey != n.ParentKey {
			return sib.ParentKey > n.ParentKey
		}
		return !lessID(sib.ID, n.ID)
	})
	list.list = append(list.list, "")
	copy(list.list[i+1:], list.list[i:])
	list.list[i] = n.ID
}

func lessID(a, b string) bool {
	ia, errA := ParseOpID(a)
	ib, errB := ParseOpID(b)
	if errA == nil && errB == nil {
		return ia.Less(ib)
	}
	return a < b
}

// detach unlinks n from its parent without touching n's subtree.
func (t *Tree) detach(n *Node) {
	parent, ok := t.nodes[n.ParentID]
	if !ok {
		return
	}
	if parent.Kind == KindList {
		for i, id := range parent.list {
			if id == n.ID {
				parent.list = append(parent.list[:i], parent.list[i+1:]...)
				return
			}
		}
		return
	}
	if parent.keyed[n.ParentKey] == n.ID {
		delete(parent.keyed, n.ParentKey)
	}
}

// removeSubtree drops id and its descendants from the index and tombstones
// them. Remote ops still waiting on those ids become no-ops.
func (t *Tree) removeSubtree(id string, upd *Update) {
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	for _, child := range n.Children() {
		t.removeSubtree(child, upd)
	}
	delete(t.nodes, id)
	delete(t.orphans, id)
	t.deleted[id] = struct{}{}
	upd.Deleted = append(upd.Deleted, id)
}

// subtreeOps returns the create ops that rebuild n and its descendants with
// their original ids, parents first.
func (t *Tree) subtreeOps(n *Node) []Op {
	op := Op{Type: createType(n.Kind), ID: n.ID, ParentID: n.ParentID, ParentKey: n.ParentKey}
	switch n.Kind {
	case KindObject:
		op.Data = n.Fields()
	case KindRegister:
		op.Value = n.value
	}
	ops := []Op{op}
	for _, child := range n.Children() {
		ops = append(ops, t.subtreeOps(t.nodes[child])...)
	}
	return ops
}
