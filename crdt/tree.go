// Package crdt implements the shared storage tree: typed nodes addressed by
// "actor:seq" ids, optimistic local mutation that yields inverse ops, and a
// deterministic merge of remote ops.
//
// Merge rules:
//   - object fields are last-arrival-wins per key, except that a key with an
//     unacknowledged local write ignores remote writes until the echo of the
//     local op arrives;
//   - list children are ordered by base-62 position keys; colliding keys are
//     resolved by re-keying the child with the larger id;
//   - ops are deduplicated by OpID, and ops whose target has not arrived yet
//     wait as orphans until it does or until they expire.
//
// A Tree is not safe for concurrent use; the room event loop owns it.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alimasry/go-liveroom/clock"
)

const defaultOrphanTimeout = 30 * time.Second

// Options configures a Tree.
type Options struct {
	// Actor and Seq seed the OpID allocator.
	Actor int
	Seq   int
	// OrphanTimeout bounds how long a remote op waits for a missing node.
	OrphanTimeout time.Duration
	Clock         clock.Clock
}

// Update describes the nodes touched by one apply call.
type Update struct {
	Local   bool
	Reset   bool
	Changed []string
	Deleted []string
	Acked   []string

	seen map[string]bool
}

// Empty reports whether nothing changed.
func (u *Update) Empty() bool {
	return !u.Reset && len(u.Changed) == 0 && len(u.Deleted) == 0
}

func (u *Update) touch(ids ...string) {
	if u.seen == nil {
		u.seen = make(map[string]bool)
	}
	for _, id := range ids {
		if id == "" || u.seen[id] {
			continue
		}
		u.seen[id] = true
		u.Changed = append(u.Changed, id)
	}
}

// Merge folds other into u.
func (u *Update) Merge(other Update) {
	u.Reset = u.Reset || other.Reset
	u.touch(other.Changed...)
	u.Deleted = append(u.Deleted, other.Deleted...)
	u.Acked = append(u.Acked, other.Acked...)
}

// LocalResult is the outcome of ApplyLocal.
type LocalResult struct {
	// OpID is the id allocated for the first emitted op.
	OpID OpID
	// Ops are the ops to broadcast, in order, with OpIDs assigned.
	Ops []Op
	// Reverse undoes Ops when applied in order.
	Reverse []Op
	Update  Update
}

type applyMode int

const (
	modeLocal applyMode = iota
	modeRemote
	modeReplay
)

type orphan struct {
	op    Op
	since time.Time
}

// Tree is the storage document of one room.
type Tree struct {
	nodes   map[string]*Node
	alloc   *Allocator
	loaded  bool
	applied map[int]int
	deleted map[string]struct{}
	orphans map[string][]orphan

	pending   []Op
	pendingID map[string]struct{}

	orphanTimeout time.Duration
	clock         clock.Clock
}

// NewTree returns an unloaded tree. Call Load before applying local ops.
func NewTree(opts Options) *Tree {
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = defaultOrphanTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	t := &Tree{
		alloc:         NewAllocator(opts.Actor, opts.Seq),
		orphanTimeout: opts.OrphanTimeout,
		clock:         opts.Clock,
		applied:       make(map[int]int),
		orphans:       make(map[string][]orphan),
		pendingID:     make(map[string]struct{}),
	}
	t.reset()
	return t
}

func (t *Tree) reset() {
	t.nodes = map[string]*Node{RootID: newNode(RootID, KindObject, "", "")}
	t.deleted = make(map[string]struct{})
}

// Loaded reports whether a snapshot has been loaded.
func (t *Tree) Loaded() bool { return t.loaded }

// Allocator exposes the OpID allocator.
func (t *Tree) Allocator() *Allocator { return t.alloc }

// Node returns the live node with id.
func (t *Tree) Node(id string) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Len returns the number of live nodes, root included.
func (t *Tree) Len() int { return len(t.nodes) }

// Pending returns local ops not yet acknowledged, in creation order.
func (t *Tree) Pending() []Op {
	return append([]Op(nil), t.pending...)
}

// RestorePending seeds the unacknowledged op list, typically from a
// persisted snapshot. The ops are assumed to be reflected in the tree.
func (t *Tree) RestorePending(ops []Op) {
	for _, op := range ops {
		if _, ok := t.pendingID[op.OpID]; ok {
			continue
		}
		t.pending = append(t.pending, op)
		t.pendingID[op.OpID] = struct{}{}
		t.markUnacked(op)
		if id, err := ParseOpID(op.OpID); err == nil && id.Seq > t.applied[id.Actor] {
			t.applied[id.Actor] = id.Seq
		}
	}
}

// Load replaces the tree with a snapshot and rebases pending local ops on
// top of it. Items that cannot be attached are dropped and reported.
func (t *Tree) Load(items []Item) (Update, []error) {
	var errs []error
	old := t.nodes
	t.reset()
	t.loaded = true
	upd := Update{Reset: true}

	byID := make(map[string]SerializedNode, len(items))
	for _, it := range items {
		if !it.Node.Type.valid() {
			errs = append(errs, &StructuralConflict{OpID: it.ID, Reason: fmt.Sprintf("unknown node type %q", it.Node.Type)})
			continue
		}
		byID[it.ID] = it.Node
	}
	if root, ok := byID[RootID]; ok {
		if root.Type != KindObject {
			errs = append(errs, &StructuralConflict{OpID: RootID, Reason: "root is not an object"})
		} else {
			for k, v := range root.Data {
				t.nodes[RootID].fields[k] = v
			}
		}
	}

	// Attach parents before children so every node links to a live parent.
	var attach func(id string, visiting map[string]bool) bool
	attach = func(id string, visiting map[string]bool) bool {
		if _, ok := t.nodes[id]; ok {
			return true
		}
		sn, ok := byID[id]
		if !ok || visiting[id] {
			return false
		}
		visiting[id] = true
		if !attach(sn.ParentID, visiting) {
			return false
		}
		parent := t.nodes[sn.ParentID]
		if !parent.Kind.container() || sn.ParentKey == "" {
			return false
		}
		n := t.materialize(id, sn)
		t.nodes[id] = n
		t.attach(n, parent, &Update{})
		return true
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		if id != RootID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !attach(id, map[string]bool{}) {
			errs = append(errs, &StructuralConflict{OpID: id, MissingID: byID[id].ParentID, Reason: "snapshot node has no reachable parent"})
		}
	}

	for id := range old {
		if _, ok := t.nodes[id]; !ok {
			t.deleted[id] = struct{}{}
			upd.Deleted = append(upd.Deleted, id)
		}
	}
	for id := range t.nodes {
		upd.touch(id)
	}
	sort.Strings(upd.Changed)
	sort.Strings(upd.Deleted)

	// Rebase local work that the snapshot does not include yet.
	pending := t.pending
	t.pending = nil
	t.pendingID = make(map[string]struct{})
	for _, op := range pending {
		_, sub, err := t.apply(op, modeReplay)
		if err != nil {
			errs = append(errs, fmt.Errorf("rebase %s %s: %w", op.Type, op.OpID, err))
			continue
		}
		upd.Merge(sub)
		if op.Type.IsCreate() && sub.Empty() {
			// Already part of the snapshot: the authority applied it.
			upd.Acked = append(upd.Acked, op.OpID)
			continue
		}
		t.pending = append(t.pending, op)
		t.pendingID[op.OpID] = struct{}{}
	}

	for id := range t.orphans {
		if _, ok := t.nodes[id]; ok {
			if err := t.drain(id, &upd); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return upd, errs
}

func (t *Tree) materialize(id string, sn SerializedNode) *Node {
	n := newNode(id, sn.Type, sn.ParentID, sn.ParentKey)
	switch sn.Type {
	case KindObject:
		for k, v := range sn.Data {
			n.fields[k] = v
		}
	case KindRegister:
		n.value = sn.Value
	}
	return n
}

// Serialize returns the tree as snapshot items, parents before children.
func (t *Tree) Serialize() []Item {
	items := make([]Item, 0, len(t.nodes))
	var walk func(n *Node)
	walk = func(n *Node) {
		items = append(items, Item{ID: n.ID, Node: t.serializeNode(n)})
		for _, child := range n.Children() {
			walk(t.nodes[child])
		}
	}
	walk(t.nodes[RootID])
	return items
}

func (t *Tree) serializeNode(n *Node) SerializedNode {
	sn := SerializedNode{Type: n.Kind, ParentID: n.ParentID, ParentKey: n.ParentKey}
	switch n.Kind {
	case KindObject:
		sn.Data = n.Fields()
	case KindRegister:
		sn.Value = n.value
	}
	return sn
}

// ToJSON materializes the document as plain Go values: objects and maps
// become map[string]any, lists []any and registers their scalar.
func (t *Tree) ToJSON() map[string]any {
	return t.toJSON(t.nodes[RootID]).(map[string]any)
}

func (t *Tree) toJSON(n *Node) any {
	switch n.Kind {
	case KindRegister:
		return n.value
	case KindList:
		out := make([]any, 0, len(n.list))
		for _, id := range n.list {
			out = append(out, t.toJSON(t.nodes[id]))
		}
		return out
	}
	out := make(map[string]any, len(n.fields)+len(n.keyed))
	for k, v := range n.fields {
		out[k] = v
	}
	for k, id := range n.keyed {
		out[k] = t.toJSON(t.nodes[id])
	}
	return out
}

// PositionAt returns a position key that inserts a new child of list listID
// at index, shifting the child currently there to the right.
func (t *Tree) PositionAt(listID string, index int) (string, error) {
	n, ok := t.nodes[listID]
	if !ok || n.Kind != KindList {
		return "", &ValidationError{Op: OpCreateRegister, ID: listID, Reason: "not a live list"}
	}
	if index < 0 || index > len(n.list) {
		return "", &ValidationError{Op: OpCreateRegister, ID: listID, Reason: fmt.Sprintf("index %d out of range [0, %d]", index, len(n.list))}
	}
	lo, hi := "", ""
	if index > 0 {
		lo = t.nodes[n.list[index-1]].ParentKey
	}
	if index < len(n.list) {
		hi = t.nodes[n.list[index]].ParentKey
	}
	return Between(lo, hi)
}

// ApplyLocal applies a mutation made by this client. It allocates OpIDs,
// mutates the tree immediately and returns the ops to broadcast together
// with their inverse. An UpdateObject carrying Remove values is split into
// an UpdateObject for the set fields and one DeleteObjectKey per removed
// field.
func (t *Tree) ApplyLocal(op Op) (LocalResult, error) {
	if !t.loaded {
		return LocalResult{}, invalid(op, "storage is not loaded")
	}
	if !op.Type.Valid() {
		return LocalResult{}, invalid(op, "unknown op type")
	}
	ops, err := expand(op)
	if err != nil {
		return LocalResult{}, err
	}
	for i, o := range ops {
		if o.Type == OpSetParentKey && o.ParentID == "" {
			if n, ok := t.nodes[o.ID]; ok {
				ops[i].ParentID = n.ParentID
			}
		}
		if err := t.check(ops[i]); err != nil {
			return LocalResult{}, err
		}
	}

	res := LocalResult{Update: Update{Local: true}}
	for i, o := range ops {
		id := t.alloc.Next()
		o.OpID = id.String()
		if o.Type.IsCreate() && o.ID == "" {
			o.ID = o.OpID
		}
		if i == 0 {
			res.OpID = id
		}
		rev, upd, err := t.apply(o, modeLocal)
		if err != nil {
			// check() ran against the same state, so this only happens for
			// the second half of a split update and leaves the first applied.
			return res, err
		}
		t.applied[id.Actor] = id.Seq
		t.pending = append(t.pending, o)
		t.pendingID[o.OpID] = struct{}{}
		res.Ops = append(res.Ops, o)
		res.Reverse = append(rev, res.Reverse...)
		res.Update.Merge(upd)
	}
	return res, nil
}

// ApplyRemote merges an op delivered by the server. The echo of a pending
// local op acknowledges it; an op already seen is ignored; an op whose
// target is unknown waits as an orphan. Orphans released by op that still
// cannot attach are dropped and returned as joined StructuralConflicts; the
// Update is valid whatever the error.
func (t *Tree) ApplyRemote(op Op) (Update, error) {
	upd := Update{}
	if !op.Type.Valid() {
		return upd, &StructuralConflict{OpID: op.OpID, Reason: fmt.Sprintf("unknown op type %q", op.Type)}
	}
	if op.OpID != "" {
		if _, ok := t.pendingID[op.OpID]; ok {
			t.ack(op.OpID)
			upd.Acked = append(upd.Acked, op.OpID)
			return upd, nil
		}
		if id, err := ParseOpID(op.OpID); err == nil {
			if id.Seq <= t.applied[id.Actor] {
				return upd, nil
			}
			t.applied[id.Actor] = id.Seq
		}
	}
	err := t.applyRemote(op, t.clock.Now(), &upd)
	return upd, err
}

// applyRemote applies op or parks it as an orphan. Orphans released by a
// create that fail to attach are returned alongside; the op itself applied.
func (t *Tree) applyRemote(op Op, since time.Time, upd *Update) error {
	_, sub, missing, err := t.applyOrOrphan(op)
	if err != nil {
		return err
	}
	if missing != "" {
		t.orphans[missing] = append(t.orphans[missing], orphan{op: op, since: since})
		return nil
	}
	upd.Merge(sub)
	if op.Type.IsCreate() {
		return t.drain(op.ID, upd)
	}
	return nil
}

func (t *Tree) applyOrOrphan(op Op) ([]Op, Update, string, error) {
	if missing := t.missingDependency(op); missing != "" {
		return nil, Update{}, missing, nil
	}
	rev, upd, err := t.apply(op, modeRemote)
	return rev, upd, "", err
}

// missingDependency returns the id a remote op waits for, if any. Targets
// that were deleted are not missing: ops on them are dropped as no-ops.
func (t *Tree) missingDependency(op Op) string {
	unknown := func(id string) bool {
		if id == "" {
			return false
		}
		if _, ok := t.nodes[id]; ok {
			return false
		}
		_, gone := t.deleted[id]
		return !gone
	}
	switch {
	case op.Type.IsCreate():
		if unknown(op.ParentID) {
			return op.ParentID
		}
	case op.Type == OpUpdateObject, op.Type == OpDeleteObjectKey:
		if unknown(op.ID) {
			return op.ID
		}
	case op.Type == OpSetParentKey:
		if unknown(op.ID) {
			return op.ID
		}
		if unknown(op.ParentID) {
			return op.ParentID
		}
	}
	return ""
}

// drain applies the orphans waiting for id and joins the conflicts of
// those that still cannot attach.
func (t *Tree) drain(id string, upd *Update) error {
	waiting := t.orphans[id]
	if len(waiting) == 0 {
		return nil
	}
	delete(t.orphans, id)
	var errs []error
	for _, o := range waiting {
		if err := t.applyRemote(o.op, o.since, upd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HasOrphans reports whether remote ops are waiting for missing nodes.
func (t *Tree) HasOrphans() bool { return len(t.orphans) > 0 }

// ExpireOrphans drops orphaned ops older than the orphan timeout, together
// with the orphans that depended on nodes those ops would have created.
func (t *Tree) ExpireOrphans() []error {
	now := t.clock.Now()
	var errs []error
	dropped := make(map[string]bool)
	var drop func(missing string, o orphan, reason string)
	drop = func(missing string, o orphan, reason string) {
		errs = append(errs, &StructuralConflict{OpID: o.op.OpID, MissingID: missing, Reason: reason})
		if o.op.Type.IsCreate() && !dropped[o.op.ID] {
			dropped[o.op.ID] = true
			for _, dep := range t.orphans[o.op.ID] {
				drop(o.op.ID, dep, "depends on a dropped node")
			}
			delete(t.orphans, o.op.ID)
		}
	}

	missingIDs := make([]string, 0, len(t.orphans))
	for id := range t.orphans {
		missingIDs = append(missingIDs, id)
	}
	sort.Strings(missingIDs)
	for _, id := range missingIDs {
		waiting, ok := t.orphans[id]
		if !ok {
			continue
		}
		var keep []orphan
		for _, o := range waiting {
			if now.Sub(o.since) >= t.orphanTimeout {
				drop(id, o, "parent never arrived")
				continue
			}
			keep = append(keep, o)
		}
		if len(keep) == 0 {
			delete(t.orphans, id)
		} else {
			t.orphans[id] = keep
		}
	}
	return errs
}

// NextOrphanExpiry returns when the oldest orphan expires.
func (t *Tree) NextOrphanExpiry() (time.Time, bool) {
	var next time.Time
	found := false
	for _, waiting := range t.orphans {
		for _, o := range waiting {
			at := o.since.Add(t.orphanTimeout)
			if !found || at.Before(next) {
				next, found = at, true
			}
		}
	}
	return next, found
}

func (t *Tree) ack(opID string) {
	delete(t.pendingID, opID)
	for i, op := range t.pending {
		if op.OpID != opID {
			continue
		}
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		id, keys := guardedKeys(op)
		if n, ok := t.nodes[id]; ok {
			for _, k := range keys {
				if n.unacked[k] == opID {
					delete(n.unacked, k)
				}
			}
		}
		return
	}
}

// markUnacked records that the object or map keys written by a local op
// must not be overwritten by remote ops until the op is acknowledged.
func (t *Tree) markUnacked(op Op) {
	id, keys := guardedKeys(op)
	n, ok := t.nodes[id]
	if !ok || !n.Kind.keyed() {
		return
	}
	if n.unacked == nil {
		n.unacked = make(map[string]string)
	}
	for _, k := range keys {
		n.unacked[k] = op.OpID
	}
}

func guardedKeys(op Op) (string, []string) {
	switch {
	case op.Type.IsCreate(), op.Type == OpSetParentKey:
		return op.ParentID, []string{op.ParentKey}
	case op.Type == OpUpdateObject:
		keys := make([]string, 0, len(op.Data))
		for k := range op.Data {
			keys = append(keys, k)
		}
		return op.ID, keys
	case op.Type == OpDeleteObjectKey:
		return op.ID, []string{op.Key}
	}
	return "", nil
}

// expand splits Remove values out of an UpdateObject and normalizes values
// to their JSON form so local and remote replicas hold identical data.
func expand(op Op) ([]Op, error) {
	switch op.Type {
	case OpCreateObject:
		data, err := normalizeFields(op, op.Data)
		if err != nil {
			return nil, err
		}
		op.Data = data
		return []Op{op}, nil
	case OpCreateRegister:
		v, err := normalize(op.Value)
		if err != nil {
			return nil, invalid(op, "value is not JSON: %v", err)
		}
		op.Value = v
		return []Op{op}, nil
	case OpUpdateObject:
		set := make(map[string]any)
		var removed []string
		for k, v := range op.Data {
			if isRemove(v) {
				removed = append(removed, k)
				continue
			}
			set[k] = v
		}
		if len(set) == 0 && len(removed) == 0 {
			return nil, invalid(op, "no fields to update")
		}
		sort.Strings(removed)
		var ops []Op
		if len(set) > 0 {
			data, err := normalizeFields(op, set)
			if err != nil {
				return nil, err
			}
			ops = append(ops, UpdateObject(op.ID, data))
		}
		for _, k := range removed {
			ops = append(ops, DeleteObjectKey(op.ID, k))
		}
		return ops, nil
	}
	return []Op{op}, nil
}

func normalizeFields(op Op, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == "" {
			return nil, invalid(op, "empty field name")
		}
		if isRemove(v) {
			return nil, invalid(op, "field %q: Remove is only valid in UpdateObject", k)
		}
		nv, err := normalize(v)
		if err != nil {
			return nil, invalid(op, "field %q is not JSON: %v", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
