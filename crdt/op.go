package crdt

import (
	"encoding/json"
	"fmt"
)

// OpType tags the variant carried by an Op.
type OpType string

const (
	OpCreateObject    OpType = "CREATE_OBJECT"
	OpCreateList      OpType = "CREATE_LIST"
	OpCreateMap       OpType = "CREATE_MAP"
	OpCreateRegister  OpType = "CREATE_REGISTER"
	OpUpdateObject    OpType = "UPDATE_OBJECT"
	OpDeleteObjectKey OpType = "DELETE_OBJECT_KEY"
	OpDeleteCrdt      OpType = "DELETE_CRDT"
	OpSetParentKey    OpType = "SET_PARENT_KEY"
)

// Valid reports whether t is a known op type.
func (t OpType) Valid() bool {
	switch t {
	case OpCreateObject, OpCreateList, OpCreateMap, OpCreateRegister,
		OpUpdateObject, OpDeleteObjectKey, OpDeleteCrdt, OpSetParentKey:
		return true
	}
	return false
}

// IsCreate reports whether t creates a node.
func (t OpType) IsCreate() bool {
	return t == OpCreateObject || t == OpCreateList || t == OpCreateMap || t == OpCreateRegister
}

// Op is a single mutation of the storage tree.
//
// Data carries the initial fields of CREATE_OBJECT and the changed fields of
// UPDATE_OBJECT. Value carries the scalar of CREATE_REGISTER. Both travel in
// the "data" member on the wire.
type Op struct {
	Type      OpType
	OpID      string
	ID        string
	ParentID  string
	ParentKey string
	Key       string
	Data      map[string]any
	Value     any
}

type wireOp struct {
	Type      OpType          `json:"type"`
	OpID      string          `json:"opId,omitempty"`
	ID        string          `json:"id"`
	ParentID  string          `json:"parentId,omitempty"`
	ParentKey string          `json:"parentKey,omitempty"`
	Key       string          `json:"key,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (op Op) MarshalJSON() ([]byte, error) {
	w := wireOp{
		Type:      op.Type,
		OpID:      op.OpID,
		ID:        op.ID,
		ParentID:  op.ParentID,
		ParentKey: op.ParentKey,
		Key:       op.Key,
	}
	var payload any
	switch op.Type {
	case OpCreateRegister:
		payload = op.Value
		if payload == nil {
			w.Data = json.RawMessage("null")
		}
	case OpCreateObject, OpUpdateObject:
		if op.Data != nil {
			payload = op.Data
		}
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", op.Type, err)
		}
		w.Data = raw
	}
	return json.Marshal(w)
}

func (op *Op) UnmarshalJSON(b []byte) error {
	var w wireOp
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*op = Op{
		Type:      w.Type,
		OpID:      w.OpID,
		ID:        w.ID,
		ParentID:  w.ParentID,
		ParentKey: w.ParentKey,
		Key:       w.Key,
	}
	if len(w.Data) == 0 {
		return nil
	}
	switch w.Type {
	case OpCreateRegister:
		return json.Unmarshal(w.Data, &op.Value)
	case OpCreateObject, OpUpdateObject:
		return json.Unmarshal(w.Data, &op.Data)
	}
	return nil
}

// CreateObject returns an op creating an object under parentID at parentKey.
func CreateObject(parentID, parentKey string, data map[string]any) Op {
	return Op{Type: OpCreateObject, ParentID: parentID, ParentKey: parentKey, Data: data}
}

// CreateList returns an op creating an empty list.
func CreateList(parentID, parentKey string) Op {
	return Op{Type: OpCreateList, ParentID: parentID, ParentKey: parentKey}
}

// CreateMap returns an op creating an empty map.
func CreateMap(parentID, parentKey string) Op {
	return Op{Type: OpCreateMap, ParentID: parentID, ParentKey: parentKey}
}

// CreateRegister returns an op creating a register holding value.
func CreateRegister(parentID, parentKey string, value any) Op {
	return Op{Type: OpCreateRegister, ParentID: parentID, ParentKey: parentKey, Value: value}
}

// UpdateObject returns an op updating fields of object id. A Remove value
// deletes the field.
func UpdateObject(id string, data map[string]any) Op {
	return Op{Type: OpUpdateObject, ID: id, Data: data}
}

// DeleteObjectKey returns an op removing key from object id.
func DeleteObjectKey(id, key string) Op {
	return Op{Type: OpDeleteObjectKey, ID: id, Key: key}
}

// DeleteCrdt returns an op deleting node id and its subtree.
func DeleteCrdt(id string) Op {
	return Op{Type: OpDeleteCrdt, ID: id}
}

// SetParentKey returns an op moving node id to parentKey. An empty parentID
// keeps the current parent.
func SetParentKey(id, parentID, parentKey string) Op {
	return Op{Type: OpSetParentKey, ID: id, ParentID: parentID, ParentKey: parentKey}
}

type removeSentinel struct{}

// Remove marks an object field for deletion in UpdateObject data. Omitting a
// field leaves it untouched.
var Remove any = removeSentinel{}

func isRemove(v any) bool {
	_, ok := v.(removeSentinel)
	return ok
}
