package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RootID is the id of the document root object.
const RootID = "root"

// Kind is the type of a storage node.
type Kind string

const (
	KindObject   Kind = "OBJECT"
	KindList     Kind = "LIST"
	KindMap      Kind = "MAP"
	KindRegister Kind = "REGISTER"
)

func (k Kind) valid() bool {
	switch k {
	case KindObject, KindList, KindMap, KindRegister:
		return true
	}
	return false
}

func (k Kind) container() bool { return k != KindRegister }

// keyed reports whether children are addressed by key rather than position.
func (k Kind) keyed() bool { return k == KindObject || k == KindMap }

func kindOf(t OpType) Kind {
	switch t {
	case OpCreateObject:
		return KindObject
	case OpCreateList:
		return KindList
	case OpCreateMap:
		return KindMap
	case OpCreateRegister:
		return KindRegister
	}
	return ""
}

func createType(k Kind) OpType {
	switch k {
	case KindObject:
		return OpCreateObject
	case KindList:
		return OpCreateList
	case KindMap:
		return OpCreateMap
	}
	return OpCreateRegister
}

// Node is one element of the storage tree. Objects hold scalar fields and
// keyed children; maps hold keyed children; lists hold children ordered by
// their position key; registers hold a single scalar.
type Node struct {
	ID        string
	Kind      Kind
	ParentID  string
	ParentKey string

	fields  map[string]any
	value   any
	keyed   map[string]string
	list    []string
	unacked map[string]string
}

func newNode(id string, kind Kind, parentID, parentKey string) *Node {
	n := &Node{ID: id, Kind: kind, ParentID: parentID, ParentKey: parentKey}
	switch kind {
	case KindObject:
		n.fields = make(map[string]any)
		n.keyed = make(map[string]string)
	case KindMap:
		n.keyed = make(map[string]string)
	}
	return n
}

// Field returns the scalar field key of an object node.
func (n *Node) Field(key string) (any, bool) {
	v, ok := n.fields[key]
	return v, ok
}

// Fields returns a copy of the scalar fields of an object node.
func (n *Node) Fields() map[string]any {
	out := make(map[string]any, len(n.fields))
	for k, v := range n.fields {
		out[k] = v
	}
	return out
}

// Value returns the scalar held by a register node.
func (n *Node) Value() any { return n.value }

// Child returns the id of the child stored under key in an object or map.
func (n *Node) Child(key string) (string, bool) {
	id, ok := n.keyed[key]
	return id, ok
}

// Children returns child ids: list order for lists, key order otherwise.
func (n *Node) Children() []string {
	if n.Kind == KindList {
		return append([]string(nil), n.list...)
	}
	keys := make([]string, 0, len(n.keyed))
	for k := range n.keyed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = n.keyed[k]
	}
	return out
}

// SerializedNode is the wire form of a node inside a storage snapshot.
type SerializedNode struct {
	Type      Kind
	ParentID  string
	ParentKey string
	Data      map[string]any
	Value     any
}

type wireNode struct {
	Type      Kind            `json:"type"`
	ParentID  string          `json:"parentId,omitempty"`
	ParentKey string          `json:"parentKey,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (s SerializedNode) MarshalJSON() ([]byte, error) {
	w := wireNode{Type: s.Type, ParentID: s.ParentID, ParentKey: s.ParentKey}
	var payload any
	switch s.Type {
	case KindObject:
		payload = s.Data
		if s.Data == nil {
			payload = map[string]any{}
		}
	case KindRegister:
		payload = s.Value
	}
	if s.Type == KindObject || s.Type == KindRegister {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		w.Data = raw
	}
	return json.Marshal(w)
}

func (s *SerializedNode) UnmarshalJSON(b []byte) error {
	var w wireNode
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = SerializedNode{Type: w.Type, ParentID: w.ParentID, ParentKey: w.ParentKey}
	if len(w.Data) == 0 {
		return nil
	}
	switch w.Type {
	case KindObject:
		return json.Unmarshal(w.Data, &s.Data)
	case KindRegister:
		return json.Unmarshal(w.Data, &s.Value)
	}
	return nil
}

// Item pairs a node id with its serialized node. It travels as a two
// element JSON array: [id, node].
type Item struct {
	ID   string
	Node SerializedNode
}

func (it Item) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{it.ID, it.Node})
}

func (it *Item) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("storage item: want [id, node], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &it.ID); err != nil {
		return fmt.Errorf("storage item id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &it.Node); err != nil {
		return fmt.Errorf("storage item %s: %w", it.ID, err)
	}
	return nil
}
