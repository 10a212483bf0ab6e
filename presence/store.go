// Package presence keeps the local presence record and the records of the
// other actors in a room, and coalesces outbound presence changes.
package presence

import (
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/alimasry/go-liveroom/clock"
)

const defaultThrottle = 100 * time.Millisecond

type removeSentinel struct{}

// Remove deletes a key from the local presence in an Update patch.
var Remove any = removeSentinel{}

func isRemove(v any) bool {
	_, ok := v.(removeSentinel)
	return ok
}

// User describes a connected actor as announced by the server.
type User struct {
	ID     string   `json:"id,omitempty"`
	Info   any      `json:"info,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// Other is a remote actor and its last known presence.
type Other struct {
	Actor    int
	User     User
	Presence map[string]any
}

// Patch is an outbound presence message. A full patch replaces the
// receiver's copy of our record; otherwise Data merges into it.
type Patch struct {
	Full bool
	Data map[string]any
}

// Options configures a Store.
type Options struct {
	// Throttle is the minimum spacing between outbound presence messages.
	Throttle time.Duration
	Clock    clock.Clock
}

// Store is owned by the room event loop and is not safe for concurrent use.
type Store struct {
	actor  int
	self   map[string]any
	others map[int]*Other

	outbound    map[string]any
	outboundAll bool
	limiter     *rate.Limiter
	clock       clock.Clock
}

// NewStore returns a store whose local record starts as initial.
func NewStore(initial map[string]any, opts Options) *Store {
	if opts.Throttle <= 0 {
		opts.Throttle = defaultThrottle
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	s := &Store{
		actor:   -1,
		self:    make(map[string]any, len(initial)),
		others:  make(map[int]*Other),
		limiter: rate.NewLimiter(rate.Every(opts.Throttle), 1),
		clock:   opts.Clock,
	}
	for k, v := range initial {
		s.self[k] = v
	}
	return s
}

// Actor returns the local actor, or -1 before the first ROOM_STATE.
func (s *Store) Actor() int { return s.actor }

// SetActor records the local actor and drops it from the others table.
func (s *Store) SetActor(actor int) {
	s.actor = actor
	delete(s.others, actor)
}

// Self returns a copy of the local record.
func (s *Store) Self() map[string]any { return copyRecord(s.self) }

// Update shallow-merges patch into the local record, queues the change for
// broadcast and returns the patch that reverts it. It reports false if the
// record did not change.
func (s *Store) Update(patch map[string]any) (map[string]any, bool) {
	inverse := make(map[string]any, len(patch))
	for k, v := range patch {
		old, had := s.self[k]
		if isRemove(v) {
			if !had {
				continue
			}
			delete(s.self, k)
			s.outboundAll = true
		} else {
			s.self[k] = v
			if s.outbound == nil {
				s.outbound = make(map[string]any)
			}
			s.outbound[k] = v
		}
		if had {
			inverse[k] = old
		} else {
			inverse[k] = Remove
		}
	}
	return inverse, len(inverse) > 0
}

// Flush returns the coalesced outbound patch if the throttle allows one now.
// Otherwise it returns how long to wait before calling Flush again.
func (s *Store) Flush() (Patch, time.Duration, bool) {
	if s.outbound == nil && !s.outboundAll {
		return Patch{}, 0, false
	}
	now := s.clock.Now()
	r := s.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return Patch{}, d, false
	}
	p := Patch{Data: s.outbound}
	if s.outboundAll {
		p = Patch{Full: true, Data: s.Self()}
	}
	s.outbound, s.outboundAll = nil, false
	return p, 0, true
}

// FullPatch returns the whole local record and discards queued changes.
// Rooms send it on every (re)connect.
func (s *Store) FullPatch() Patch {
	s.outbound, s.outboundAll = nil, false
	return Patch{Full: true, Data: s.Self()}
}

// Others returns the remote actors ordered by actor id.
func (s *Store) Others() []Other {
	out := make([]Other, 0, len(s.others))
	for _, o := range s.others {
		out = append(out, Other{Actor: o.Actor, User: o.User, Presence: copyRecord(o.Presence)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Actor < out[j].Actor })
	return out
}

// Other returns one remote actor.
func (s *Store) Other(actor int) (Other, bool) {
	o, ok := s.others[actor]
	if !ok {
		return Other{}, false
	}
	return Other{Actor: o.Actor, User: o.User, Presence: copyRecord(o.Presence)}, true
}

// ApplyRoomState replaces the others table with users. Actors that are
// still listed keep the presence already received for them.
func (s *Store) ApplyRoomState(actor int, users map[int]User) {
	s.SetActor(actor)
	next := make(map[int]*Other, len(users))
	for a, u := range users {
		if a == actor {
			continue
		}
		o := &Other{Actor: a, User: u}
		if prev, ok := s.others[a]; ok {
			o.Presence = prev.Presence
		}
		next[a] = o
	}
	s.others = next
}

// ApplyUpdate merges data into the record of actor. A full update replaces
// the record instead. Updates about the local actor are ignored.
func (s *Store) ApplyUpdate(actor int, data map[string]any, full bool) bool {
	if actor == s.actor {
		return false
	}
	o, ok := s.others[actor]
	if !ok {
		o = &Other{Actor: actor}
		s.others[actor] = o
	}
	if full || o.Presence == nil {
		o.Presence = copyRecord(data)
		return true
	}
	for k, v := range data {
		o.Presence[k] = v
	}
	return true
}

// AddActor records a newly joined actor.
func (s *Store) AddActor(actor int, u User) bool {
	if actor == s.actor {
		return false
	}
	if o, ok := s.others[actor]; ok {
		o.User = u
		return true
	}
	s.others[actor] = &Other{Actor: actor, User: u}
	return true
}

// RemoveActor forgets an actor that left the room.
func (s *Store) RemoveActor(actor int) bool {
	if _, ok := s.others[actor]; !ok {
		return false
	}
	delete(s.others, actor)
	return true
}

// ClearOthers empties the others table, e.g. when the connection drops.
func (s *Store) ClearOthers() bool {
	if len(s.others) == 0 {
		return false
	}
	s.others = make(map[int]*Other)
	return true
}

func copyRecord(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
