package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

// OpID identifies an operation by the actor that produced it and that
// actor's sequence number. Serialized as "actor:seq".
type OpID struct {
	Actor int
	Seq   int
}

func (id OpID) String() string {
	return strconv.Itoa(id.Actor) + ":" + strconv.Itoa(id.Seq)
}

// IsZero reports whether id is the zero OpID.
func (id OpID) IsZero() bool { return id == OpID{} }

// Less orders ids by actor, then sequence.
func (id OpID) Less(other OpID) bool {
	if id.Actor != other.Actor {
		return id.Actor < other.Actor
	}
	return id.Seq < other.Seq
}

// ParseOpID parses an "actor:seq" string.
func ParseOpID(s string) (OpID, error) {
	actor, seq, ok := strings.Cut(s, ":")
	if !ok {
		return OpID{}, fmt.Errorf("op id %q: missing ':'", s)
	}
	a, err := strconv.Atoi(actor)
	if err != nil {
		return OpID{}, fmt.Errorf("op id %q: actor: %w", s, err)
	}
	q, err := strconv.Atoi(seq)
	if err != nil {
		return OpID{}, fmt.Errorf("op id %q: seq: %w", s, err)
	}
	return OpID{Actor: a, Seq: q}, nil
}

// Allocator hands out OpIDs for the local actor. The sequence keeps
// increasing across actor changes so an id is never reused.
type Allocator struct {
	actor int
	seq   int
}

// NewAllocator returns an allocator for actor whose next id has seq+1.
func NewAllocator(actor, seq int) *Allocator {
	return &Allocator{actor: actor, seq: seq}
}

// Next allocates a fresh OpID.
func (a *Allocator) Next() OpID {
	a.seq++
	return OpID{Actor: a.actor, Seq: a.seq}
}

// SetActor switches the actor used for subsequent ids.
func (a *Allocator) SetActor(actor int) { a.actor = actor }

func (a *Allocator) Actor() int { return a.actor }

func (a *Allocator) Seq() int { return a.seq }
