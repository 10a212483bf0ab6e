package roomtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alimasry/go-liveroom/crdt"
	"github.com/alimasry/go-liveroom/store"
)

// mockPeer creates a peer without a real WebSocket connection, for testing.
func mockPeer(id string) *Peer {
	return &Peer{
		UserID: id,
		send:   make(chan []byte, 256),
	}
}

func startSession(t *testing.T, items []crdt.Item, st store.SnapshotStore) *Session {
	t.Helper()
	s := newSession("room1", items, st)
	go s.Run()
	t.Cleanup(func() { close(s.stop) })
	return s
}

func join(s *Session, p *Peer) {
	done := make(chan error, 1)
	s.join <- joinRequest{peer: p, roomID: s.roomID, done: done}
	<-done
}

// recvMsg reads one message from a mock peer's send channel with timeout.
func recvMsg(t *testing.T, p *Peer) ServerMessage {
	t.Helper()
	select {
	case data := <-p.send:
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ServerMessage{}
	}
}

func expectSilence(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case data := <-p.send:
		t.Fatalf("unexpected message %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_JoinAssignsActors(t *testing.T) {
	s := startSession(t, nil, nil)

	p1, p2 := mockPeer("ann"), mockPeer("bob")
	join(s, p1)
	msg := recvMsg(t, p1)
	if msg.Type != MsgRoomState || *msg.Actor != 1 || len(msg.Users) != 0 {
		t.Fatalf("first room state = %+v", msg)
	}

	join(s, p2)
	msg = recvMsg(t, p2)
	if *msg.Actor != 2 || msg.Users[1].ID != "ann" {
		t.Errorf("second room state = %+v", msg)
	}
	joined := recvMsg(t, p1)
	if joined.Type != MsgUserJoined || *joined.Actor != 2 || joined.ID != "bob" {
		t.Errorf("join notification = %+v", joined)
	}
	if got := s.Actors(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Actors = %v", got)
	}
}

func TestSession_StorageOpsAreEchoedToAll(t *testing.T) {
	s := startSession(t, nil, nil)
	p1, p2 := mockPeer("ann"), mockPeer("bob")
	join(s, p1)
	join(s, p2)
	recvMsg(t, p1) // room state
	recvMsg(t, p2) // room state
	recvMsg(t, p1) // bob joined

	op := crdt.UpdateObject(crdt.RootID, map[string]any{"title": "hi"})
	op.OpID = "1:1"
	s.incoming <- frame{peer: p1, msgs: []ClientMessage{{Type: MsgUpdateStorage, Ops: []crdt.Op{op}}}}

	for _, p := range []*Peer{p1, p2} {
		msg := recvMsg(t, p)
		if msg.Type != MsgUpdateStorage || len(msg.Ops) != 1 || msg.Ops[0].OpID != "1:1" {
			t.Errorf("%s got %+v", p.UserID, msg)
		}
	}
	if got := s.Storage()["title"]; got != "hi" {
		t.Errorf("authoritative title = %v", got)
	}
}

func TestSession_FetchStorage(t *testing.T) {
	items := []crdt.Item{{ID: crdt.RootID, Node: crdt.SerializedNode{Type: crdt.KindObject, Data: map[string]any{"n": 1.0}}}}
	s := startSession(t, items, nil)
	p := mockPeer("ann")
	join(s, p)
	recvMsg(t, p)

	s.incoming <- frame{peer: p, msgs: []ClientMessage{{Type: MsgFetchStorage, Stream: true}}}
	msg := recvMsg(t, p)
	if msg.Type != MsgInitialStorageState || len(msg.Items) != 1 {
		t.Fatalf("storage = %+v", msg)
	}
	if msg.Items[0].Node.Data["n"] != 1.0 {
		t.Errorf("root data = %v", msg.Items[0].Node.Data)
	}
}

func TestSession_PresenceRouting(t *testing.T) {
	s := startSession(t, nil, nil)
	p1, p2, p3 := mockPeer("a"), mockPeer("b"), mockPeer("c")
	join(s, p1)
	join(s, p2)
	join(s, p3)
	recvMsg(t, p1) // room state
	recvMsg(t, p1) // b joined
	recvMsg(t, p1) // c joined
	recvMsg(t, p2) // room state
	recvMsg(t, p2) // c joined
	recvMsg(t, p3) // room state

	tests := []struct {
		name      string
		target    *int
		receivers []*Peer
		silent    []*Peer
	}{
		{"broadcast", nil, []*Peer{p2, p3}, []*Peer{p1}},
		{"initial", intPtr(-1), []*Peer{p2, p3}, []*Peer{p1}},
		{"targeted", intPtr(3), []*Peer{p3}, []*Peer{p1, p2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.incoming <- frame{peer: p1, msgs: []ClientMessage{{Type: MsgUpdatePresence, TargetActor: tt.target, Data: map[string]any{"x": 1.0}}}}
			for _, p := range tt.receivers {
				msg := recvMsg(t, p)
				if msg.Type != MsgUpdatePresence || *msg.Actor != 1 || msg.Data["x"] != 1.0 {
					t.Errorf("%s got %+v", p.UserID, msg)
				}
				if (tt.target == nil) != (msg.TargetActor == nil) {
					t.Errorf("%s targetActor = %v", p.UserID, msg.TargetActor)
				}
			}
			for _, p := range tt.silent {
				expectSilence(t, p)
			}
		})
	}
}

func TestSession_LeaveNotification(t *testing.T) {
	s := startSession(t, nil, nil)
	p1, p2 := mockPeer("a"), mockPeer("b")
	join(s, p1)
	join(s, p2)
	recvMsg(t, p1) // room state
	recvMsg(t, p2) // room state
	recvMsg(t, p1) // b joined

	s.leave <- p2
	msg := recvMsg(t, p1)
	if msg.Type != MsgUserLeft || *msg.Actor != 2 {
		t.Fatalf("leave notification = %+v", msg)
	}
	if _, ok := <-p2.send; ok {
		t.Error("send channel of departed peer still open")
	}
}

func TestSession_PersistsToStore(t *testing.T) {
	st := store.NewMemoryStore()
	s := startSession(t, nil, st)
	p := mockPeer("a")
	join(s, p)
	recvMsg(t, p)

	op := crdt.CreateList(crdt.RootID, "items")
	op.OpID, op.ID = "1:1", "1:1"
	s.incoming <- frame{peer: p, msgs: []ClientMessage{{Type: MsgUpdateStorage, Ops: []crdt.Op{op}}}}
	recvMsg(t, p)
	s.Storage() // wait for the save that follows the echo

	snap, err := st.Load(context.Background(), "room1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Items) != 2 {
		t.Errorf("persisted %d items, want 2", len(snap.Items))
	}
}
