package roomtest

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/alimasry/go-liveroom/crdt"
	"github.com/alimasry/go-liveroom/store"
)

const saveTimeout = 5 * time.Second

type frame struct {
	peer *Peer
	msgs []ClientMessage
}

type joinRequest struct {
	peer   *Peer
	roomID string
	done   chan error
}

// Session relays one room. It holds the authoritative storage tree, applies
// ops in arrival order and echoes them to every peer, the sender included.
// All state is serialized through a single goroutine.
type Session struct {
	roomID    string
	tree      *crdt.Tree
	store     store.SnapshotStore
	peers     map[*Peer]bool
	nextActor int

	incoming chan frame
	join     chan joinRequest
	leave    chan *Peer
	inspect  chan func()
	stop     chan struct{}
}

func newSession(roomID string, items []crdt.Item, st store.SnapshotStore) *Session {
	tree := crdt.NewTree(crdt.Options{})
	if _, errs := tree.Load(items); len(errs) > 0 {
		log.Printf("session %s: load snapshot: %v", roomID, errs)
	}
	return &Session{
		roomID:    roomID,
		tree:      tree,
		store:     st,
		peers:     make(map[*Peer]bool),
		nextActor: 1,
		incoming:  make(chan frame, 64),
		join:      make(chan joinRequest, 16),
		leave:     make(chan *Peer, 16),
		inspect:   make(chan func()),
		stop:      make(chan struct{}),
	}
}

// Run is the session's main loop.
func (s *Session) Run() {
	for {
		select {
		case req := <-s.join:
			s.handleJoin(req.peer)
			close(req.done)
		case p := <-s.leave:
			s.handleLeave(p)
		case f := <-s.incoming:
			s.handleFrame(f)
		case fn := <-s.inspect:
			fn()
		case <-s.stop:
			return
		}
	}
}

func (s *Session) handleJoin(p *Peer) {
	p.session = s
	p.actor = s.nextActor
	s.nextActor++

	users := make(map[int]UserInfo, len(s.peers))
	for other := range s.peers {
		users[other.actor] = UserInfo{ID: other.UserID}
	}
	s.peers[p] = true

	p.sendMsg(ServerMessage{Type: MsgRoomState, Actor: intPtr(p.actor), Users: users})
	for other := range s.peers {
		if other != p {
			other.sendMsg(ServerMessage{Type: MsgUserJoined, Actor: intPtr(p.actor), ID: p.UserID})
		}
	}
}

func (s *Session) handleLeave(p *Peer) {
	if _, ok := s.peers[p]; !ok {
		return
	}
	delete(s.peers, p)
	close(p.send)

	for other := range s.peers {
		other.sendMsg(ServerMessage{Type: MsgUserLeft, Actor: intPtr(p.actor)})
	}
}

func (s *Session) handleFrame(f frame) {
	if _, ok := s.peers[f.peer]; !ok {
		return
	}
	for _, msg := range f.msgs {
		switch msg.Type {
		case MsgUpdatePresence:
			s.relayPresence(f.peer, msg)
		case MsgFetchStorage:
			f.peer.sendMsg(ServerMessage{Type: MsgInitialStorageState, Items: s.tree.Serialize()})
		case MsgUpdateStorage:
			s.applyOps(msg.Ops)
		default:
			log.Printf("session %s: peer %s sent unknown message type %q", s.roomID, f.peer.UserID, msg.Type)
		}
	}
}

func (s *Session) relayPresence(from *Peer, msg ClientMessage) {
	data := msg.Data
	if data == nil {
		data = map[string]any{}
	}
	out := ServerMessage{Type: MsgUpdatePresence, Actor: intPtr(from.actor), Data: data, TargetActor: msg.TargetActor}
	for p := range s.peers {
		if p == from {
			continue
		}
		if msg.TargetActor != nil && *msg.TargetActor >= 0 && p.actor != *msg.TargetActor {
			continue
		}
		p.sendMsg(out)
	}
}

func (s *Session) applyOps(ops []crdt.Op) {
	for _, op := range ops {
		if _, err := s.tree.ApplyRemote(op); err != nil {
			log.Printf("session %s: apply %s %s: %v", s.roomID, op.Type, op.OpID, err)
		}
	}
	for p := range s.peers {
		p.sendMsg(ServerMessage{Type: MsgUpdateStorage, Ops: ops})
	}
	s.persist()
}

func (s *Session) persist() {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	snap := store.Snapshot{RoomID: s.roomID, Items: s.tree.Serialize(), UpdatedAt: time.Now()}
	if err := s.store.Save(ctx, snap); err != nil {
		log.Printf("session %s: save snapshot: %v", s.roomID, err)
	}
}

// do runs fn on the session loop and waits for it.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.inspect <- func() { fn(); close(done) }:
		<-done
	case <-s.stop:
	}
}

// Storage returns the authoritative document.
func (s *Session) Storage() map[string]any {
	var out map[string]any
	s.do(func() { out = s.tree.ToJSON() })
	return out
}

// Actors returns the actor ids of the connected peers in ascending order.
func (s *Session) Actors() []int {
	var actors []int
	s.do(func() {
		for p := range s.peers {
			actors = append(actors, p.actor)
		}
	})
	sort.Ints(actors)
	return actors
}

// Drop cuts every connection in the room without a close handshake.
func (s *Session) Drop() {
	s.do(func() {
		for p := range s.peers {
			p.drop()
		}
	})
}
