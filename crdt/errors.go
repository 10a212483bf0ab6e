package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches errors for malformed local mutations.
	ErrValidation = errors.New("invalid storage mutation")
	// ErrStructural matches errors for remote ops that could not be attached
	// to the tree.
	ErrStructural = errors.New("structural conflict")
)

// ValidationError is returned synchronously for a local mutation that cannot
// be applied, such as mutating a node that was already deleted.
type ValidationError struct {
	Op     OpType
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("invalid %s on %s: %s", e.Op, e.ID, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(op Op, format string, args ...any) error {
	id := op.ID
	if id == "" {
		id = op.ParentID
	}
	return &ValidationError{Op: op.Type, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// StructuralConflict reports a remote op dropped because the node it
// depends on never arrived, or because attaching it would break the tree.
type StructuralConflict struct {
	OpID      string
	MissingID string
	Reason    string
}

func (e *StructuralConflict) Error() string {
	if e.MissingID != "" {
		return fmt.Sprintf("op %s dropped: %s (waiting for %s)", e.OpID, e.Reason, e.MissingID)
	}
	return fmt.Sprintf("op %s dropped: %s", e.OpID, e.Reason)
}

func (e *StructuralConflict) Is(target error) bool {
	return target == ErrStructural
}
