package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/alimasry/go-liveroom/clock"
	"github.com/alimasry/go-liveroom/crdt"
	"github.com/alimasry/go-liveroom/history"
	"github.com/alimasry/go-liveroom/presence"
	"github.com/alimasry/go-liveroom/store"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeConn is an in-memory Conn. out holds frames sent by the room; frames
// written to in are delivered to it.
type fakeConn struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		out:    make(chan []byte, 256),
		in:     make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return &TransientNetworkError{Op: "send", Err: errConnClosed}
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, &TransientNetworkError{Op: "read", Err: errConnClosed}
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeTransport hands out fakeConns. While gate is non-nil, Dial blocks
// until it is closed.
type fakeTransport struct {
	conns chan *fakeConn

	mu     sync.Mutex
	gate   chan struct{}
	fail   error
	dials  int
	tokens []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (f *fakeTransport) Dial(ctx context.Context, url, token string) (Conn, error) {
	f.mu.Lock()
	f.dials++
	f.tokens = append(f.tokens, token)
	gate, fail := f.gate, f.fail
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &TransientNetworkError{Op: "dial", Err: ctx.Err()}
		}
	}
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn()
	f.conns <- c
	return c, nil
}

func (f *fakeTransport) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeTransport) token(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.tokens) {
		return ""
	}
	return f.tokens[i]
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// fakeAuth returns err, or "tok" when err is nil. While gate is non-nil,
// Token blocks until it is closed.
type fakeAuth struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	calls int
}

func (a *fakeAuth) Token(ctx context.Context, _ string) (string, error) {
	a.mu.Lock()
	a.calls++
	gate, err := a.gate, a.err
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return "tok", nil
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newTestRoom(t *testing.T, tr *fakeTransport, configure func(*Options)) (*Room, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	opts := Options{
		URL:       "ws://liveroom.test/v1",
		Auth:      StaticToken("tok"),
		Transport: tr,
		Clock:     clk,
		NewBackOff: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.RandomizationFactor = 0
			b.Multiplier = 2
			b.MaxInterval = 4 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	if configure != nil {
		configure(&opts)
	}
	r, err := NewRoom(context.Background(), "room-1", opts)
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	t.Cleanup(r.Leave)
	return r, clk
}

func waitConn(t *testing.T, tr *fakeTransport) *fakeConn {
	t.Helper()
	select {
	case c := <-tr.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// deliver sends a raw server frame to the room.
func deliver(c *fakeConn, frame string) {
	c.in <- []byte(frame)
}

func decodeClient(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			t.Fatalf("unmarshal batch: %v", err)
		}
		return msgs
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return []map[string]any{m}
}

// recvClient reads one frame the room sent, with timeout.
func recvClient(t *testing.T, c *fakeConn) []map[string]any {
	t.Helper()
	select {
	case data := <-c.out:
		return decodeClient(t, data)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// advanceUntilFrame moves the clock in steps until the room sends a frame.
func advanceUntilFrame(t *testing.T, clk *clock.Manual, c *fakeConn, step time.Duration) []map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		clk.Advance(step)
		select {
		case data := <-c.out:
			return decodeClient(t, data)
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("no frame after advancing the clock")
	return nil
}

const emptyStorage = `{"type":"INITIAL_STORAGE_STATE","items":[["root",{"type":"OBJECT","data":{}}]]}`

// handshake completes the connect sequence as actor 1 with an empty
// document and returns the connection.
func handshake(t *testing.T, r *Room, tr *fakeTransport) *fakeConn {
	t.Helper()
	c := waitConn(t, tr)
	msgs := recvClient(t, c)
	if len(msgs) != 2 || msgs[0]["type"] != MsgUpdatePresence || msgs[1]["type"] != MsgFetchStorage {
		t.Fatalf("connect frame = %v", msgs)
	}
	deliver(c, `[{"type":"ROOM_STATE","actor":1,"users":{}},`+emptyStorage+`]`)
	waitFor(t, "initial storage", func() bool { return !r.Stale() })
	return c
}

func opsOf(t *testing.T, msg map[string]any) []map[string]any {
	t.Helper()
	if msg["type"] != MsgUpdateStorage {
		t.Fatalf("message type = %v, want %s", msg["type"], MsgUpdateStorage)
	}
	raw, _ := msg["ops"].([]any)
	ops := make([]map[string]any, len(raw))
	for i, o := range raw {
		ops[i] = o.(map[string]any)
	}
	return ops
}

func TestRoom_ConnectHandshake(t *testing.T) {
	tr := newFakeTransport()
	gate := make(chan struct{})
	tr.gate = gate
	r, _ := newTestRoom(t, tr, func(o *Options) {
		o.InitialPresence = map[string]any{"name": "ann"}
	})

	waitFor(t, "connecting", func() bool { return r.Status() == StatusConnecting })
	if r.StorageLoaded() {
		t.Error("storage loaded before the first snapshot")
	}
	close(gate)

	c := waitConn(t, tr)
	waitFor(t, "connected", func() bool { return r.Status() == StatusConnected })
	msgs := recvClient(t, c)
	if len(msgs) != 2 {
		t.Fatalf("connect frame = %v", msgs)
	}
	if msgs[0]["type"] != MsgUpdatePresence || msgs[0]["targetActor"] != float64(TargetInitial) {
		t.Errorf("presence = %v", msgs[0])
	}
	if data, _ := msgs[0]["data"].(map[string]any); data["name"] != "ann" {
		t.Errorf("presence data = %v", msgs[0]["data"])
	}
	if msgs[1]["type"] != MsgFetchStorage || msgs[1]["stream"] != true {
		t.Errorf("fetch = %v", msgs[1])
	}
	if got := tr.token(0); got != "tok" {
		t.Errorf("token = %q", got)
	}

	deliver(c, `{"type":"ROOM_STATE","actor":2,"users":{"1":{"id":"bob"},"2":{"id":"ann"}}}`)
	deliver(c, `{"type":"INITIAL_STORAGE_STATE","items":[["root",{"type":"OBJECT","data":{"title":"hi"}}]]}`)
	waitFor(t, "initial storage", func() bool { return !r.Stale() })

	if r.Actor() != 2 {
		t.Errorf("Actor = %d, want 2", r.Actor())
	}
	others := r.Others()
	if len(others) != 1 || others[0].Actor != 1 || others[0].User.ID != "bob" {
		t.Errorf("Others = %+v", others)
	}
	if got := r.Storage()["title"]; got != "hi" {
		t.Errorf("title = %v", got)
	}
}

func TestRoom_OfflineEditsFlushInOrder(t *testing.T) {
	st := store.NewMemoryStore()
	st.Save(context.Background(), store.Snapshot{
		RoomID: "room-1",
		Items:  []crdt.Item{{ID: crdt.RootID, Node: crdt.SerializedNode{Type: crdt.KindObject}}},
		Actor:  1,
	})
	tr := newFakeTransport()
	gate := make(chan struct{})
	tr.gate = gate
	r, _ := newTestRoom(t, tr, func(o *Options) { o.Store = st })

	if !r.StorageLoaded() {
		t.Fatal("persisted snapshot not loaded")
	}
	local := []crdt.Op{
		crdt.CreateList(crdt.RootID, "items"),
		crdt.UpdateObject(crdt.RootID, map[string]any{"title": "a"}),
		crdt.UpdateObject(crdt.RootID, map[string]any{"title": "b"}),
	}
	for _, op := range local {
		if _, err := r.ApplyLocal(op); err != nil {
			t.Fatalf("ApplyLocal offline: %v", err)
		}
	}
	snap, err := st.Load(context.Background(), "room-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Pending) != 3 || snap.Seq != 3 {
		t.Fatalf("persisted pending = %d seq = %d", len(snap.Pending), snap.Seq)
	}

	close(gate)
	c := waitConn(t, tr)
	recvClient(t, c) // presence + fetch
	expectNoFrame(t, c)

	deliver(c, `[{"type":"ROOM_STATE","actor":1},`+emptyStorage+`]`)
	msgs := recvClient(t, c)
	ops := opsOf(t, msgs[0])
	wantIDs := []string{"1:1", "1:2", "1:3"}
	if len(ops) != len(wantIDs) {
		t.Fatalf("flushed %d ops, want 3", len(ops))
	}
	for i, op := range ops {
		if op["opId"] != wantIDs[i] {
			t.Errorf("op %d opId = %v, want %s", i, op["opId"], wantIDs[i])
		}
	}
	storage := r.Storage()
	if storage["title"] != "b" {
		t.Errorf("title after rebase = %v", storage["title"])
	}
	if items, ok := storage["items"].([]any); !ok || len(items) != 0 {
		t.Errorf("items after rebase = %v", storage["items"])
	}

	// The echo acknowledges the ops and clears the persisted buffer.
	echo, _ := json.Marshal(map[string]any{"type": MsgUpdateStorage, "ops": ops})
	deliver(c, string(echo))
	waitFor(t, "acknowledgement", func() bool {
		snap, _ := st.Load(context.Background(), "room-1")
		return snap != nil && len(snap.Pending) == 0
	})
}

func TestRoom_LocalMutationNeedsStorage(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	r, _ := newTestRoom(t, tr, nil)

	_, err := r.ApplyLocal(crdt.UpdateObject(crdt.RootID, map[string]any{"a": 1}))
	if !errors.Is(err, crdt.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestRoom_LiveEditsBroadcast(t *testing.T) {
	tr := newFakeTransport()
	r, _ := newTestRoom(t, tr, nil)
	events := make(chan StorageEvent, 8)
	r.SubscribeStorage(func(ev StorageEvent) { events <- ev })
	c := handshake(t, r, tr)

	id, err := r.ApplyLocal(crdt.UpdateObject(crdt.RootID, map[string]any{"x": 1}))
	if err != nil {
		t.Fatal(err)
	}
	ops := opsOf(t, recvClient(t, c)[0])
	if len(ops) != 1 || ops[0]["opId"] != id.String() || ops[0]["type"] != string(crdt.OpUpdateObject) {
		t.Errorf("sent ops = %v", ops)
	}

	for {
		select {
		case ev := <-events:
			if !ev.Local {
				continue // initial snapshot
			}
			if len(ev.Changed) != 1 || ev.Changed[0] != crdt.RootID {
				t.Errorf("local event = %+v", ev)
			}
			return
		case <-time.After(2 * time.Second):
			t.Fatal("no local storage event")
		}
	}
}

func TestRoom_RemoteStorage(t *testing.T) {
	tr := newFakeTransport()
	r, _ := newTestRoom(t, tr, nil)
	c := handshake(t, r, tr)

	events := make(chan StorageEvent, 8)
	r.SubscribeStorage(func(ev StorageEvent) { events <- ev })

	op := `{"type":"UPDATE_STORAGE","ops":[{"type":"UPDATE_OBJECT","opId":"3:1","id":"root","data":{"color":"red"}}]}`
	deliver(c, op)
	select {
	case ev := <-events:
		if ev.Local || len(ev.Changed) != 1 || ev.Changed[0] != crdt.RootID {
			t.Errorf("remote event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no remote storage event")
	}

	// Re-delivery is ignored, so an older value sent under the same id
	// does not win.
	deliver(c, `{"type":"UPDATE_STORAGE","ops":[{"type":"UPDATE_OBJECT","opId":"3:1","id":"root","data":{"color":"blue"}}]}`)
	deliver(c, `{"type":"UPDATE_STORAGE","ops":[{"type":"UPDATE_OBJECT","opId":"3:2","id":"root","data":{"size":2}}]}`)
	waitFor(t, "second op", func() bool { return r.Storage()["size"] != nil })
	if got := r.Storage()["color"]; got != "red" {
		t.Errorf("color = %v, want red", got)
	}
}

func TestRoom_Presence(t *testing.T) {
	tr := newFakeTransport()
	r, _ := newTestRoom(t, tr, nil)
	c := handshake(t, r, tr)

	otherPresence := func(actor int) map[string]any {
		for _, o := range r.Others() {
			if o.Actor == actor {
				return o.Presence
			}
		}
		return nil
	}

	deliver(c, `{"type":"UPDATE_PRESENCE","actor":3,"data":{"x":1,"y":1}}`)
	deliver(c, `{"type":"UPDATE_PRESENCE","actor":3,"data":{"y":2,"z":3}}`)
	waitFor(t, "merged presence", func() bool { return otherPresence(3)["z"] != nil })
	p := otherPresence(3)
	if p["x"] != float64(1) || p["y"] != float64(2) || p["z"] != float64(3) {
		t.Errorf("merged presence = %v", p)
	}

	deliver(c, `{"type":"UPDATE_PRESENCE","actor":3,"data":{"a":1},"targetActor":-1}`)
	waitFor(t, "replaced presence", func() bool { return otherPresence(3)["a"] != nil })
	if p := otherPresence(3); len(p) != 1 {
		t.Errorf("full presence = %v, want only a", p)
	}

	deliver(c, `{"type":"ROOM_STATE","actor":1,"users":{"4":{"id":"dan"}}}`)
	waitFor(t, "room state", func() bool {
		others := r.Others()
		return len(others) == 1 && others[0].Actor == 4
	})

	deliver(c, `{"type":"USER_JOINED","actor":5,"id":"eve"}`)
	msgs := recvClient(t, c)
	if msgs[0]["type"] != MsgUpdatePresence || msgs[0]["targetActor"] != float64(5) {
		t.Errorf("presence for joined actor = %v", msgs[0])
	}
	deliver(c, `{"type":"USER_LEFT","actor":4}`)
	waitFor(t, "user left", func() bool {
		others := r.Others()
		return len(others) == 1 && others[0].Actor == 5 && others[0].User.ID == "eve"
	})
}

func TestRoom_PresenceThrottle(t *testing.T) {
	tr := newFakeTransport()
	r, clk := newTestRoom(t, tr, func(o *Options) { o.PresenceThrottle = 100 * time.Millisecond })
	c := handshake(t, r, tr)

	r.UpdatePresence(map[string]any{"x": 1}, false)
	msgs := recvClient(t, c)
	if _, full := msgs[0]["targetActor"]; full || msgs[0]["data"].(map[string]any)["x"] != float64(1) {
		t.Errorf("first presence = %v", msgs[0])
	}

	r.UpdatePresence(map[string]any{"x": 2}, false)
	r.UpdatePresence(map[string]any{"y": 3}, false)
	expectNoFrame(t, c)

	msgs = advanceUntilFrame(t, clk, c, 50*time.Millisecond)
	data := msgs[0]["data"].(map[string]any)
	if len(data) != 2 || data["x"] != float64(2) || data["y"] != float64(3) {
		t.Errorf("coalesced presence = %v", data)
	}
}

func TestRoom_ReconnectBackoff(t *testing.T) {
	tr := newFakeTransport()
	r, clk := newTestRoom(t, tr, nil)
	c := handshake(t, r, tr)
	deliver(c, `{"type":"USER_JOINED","actor":2}`)
	recvClient(t, c)

	drop := func(c *fakeConn) {
		t.Helper()
		c.Close()
		waitFor(t, "reconnecting", func() bool { return r.Status() == StatusReconnecting })
	}
	expectDialAfter := func(d time.Duration) *fakeConn {
		t.Helper()
		before := tr.dialCount()
		clk.Advance(d - time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		if tr.dialCount() != before {
			t.Fatalf("dialed before %s elapsed", d)
		}
		clk.Advance(time.Millisecond)
		return waitConn(t, tr)
	}

	drop(c)
	if len(r.Others()) != 0 {
		t.Error("others kept after disconnect")
	}
	c = expectDialAfter(time.Second)
	msgs := recvClient(t, c)
	if msgs[0]["type"] != MsgUpdatePresence || msgs[1]["type"] != MsgFetchStorage {
		t.Errorf("reconnect frame = %v", msgs)
	}

	// Dropped again before the connection was stable: the delay doubles.
	drop(c)
	c = expectDialAfter(2 * time.Second)
	recvClient(t, c)

	// A stable connection resets the backoff.
	clk.Advance(10 * time.Second)
	r.do(func() {})
	drop(c)
	expectDialAfter(time.Second)
}

func TestRoom_TransientDialFailureRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.setFail(&TransientNetworkError{Op: "dial", Err: errors.New("connection refused")})
	r, clk := newTestRoom(t, tr, nil)

	waitFor(t, "reconnecting", func() bool { return r.Status() == StatusReconnecting })
	tr.setFail(nil)
	clk.Advance(time.Second)
	c := waitConn(t, tr)
	recvClient(t, c)
	waitFor(t, "connected", func() bool { return r.Status() == StatusConnected })
}

func TestRoom_AuthorizationFailureIsNotRetried(t *testing.T) {
	tr := newFakeTransport()
	auth := &fakeAuth{err: &AuthorizationError{StatusCode: 401, Message: "expired"}, gate: make(chan struct{})}
	r, clk := newTestRoom(t, tr, func(o *Options) { o.Auth = auth })

	errs := make(chan error, 4)
	r.SubscribeErrors(func(err error) { errs <- err })
	close(auth.gate)

	select {
	case err := <-errs:
		if !errors.Is(err, ErrAuthorization) {
			t.Errorf("err = %v, want ErrAuthorization", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("authorization error not reported")
	}
	if r.Status() != StatusIdle {
		t.Errorf("Status = %s, want idle", r.Status())
	}

	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if auth.callCount() != 1 || tr.dialCount() != 0 {
		t.Fatalf("retried: %d token calls, %d dials", auth.callCount(), tr.dialCount())
	}

	auth.mu.Lock()
	auth.err = nil
	auth.mu.Unlock()
	if err := r.Reconnect(); err != nil {
		t.Fatal(err)
	}
	waitConn(t, tr)
	waitFor(t, "connected", func() bool { return r.Status() == StatusConnected })
}

func TestRoom_ProtocolErrorReconnects(t *testing.T) {
	tr := newFakeTransport()
	r, clk := newTestRoom(t, tr, nil)
	c := handshake(t, r, tr)

	deliver(c, `{"type":"BOGUS"}`)
	waitFor(t, "reconnecting", func() bool { return r.Status() == StatusReconnecting })
	select {
	case <-c.closed:
	default:
		t.Error("connection not closed after protocol error")
	}
	clk.Advance(time.Second)
	waitConn(t, tr)
}

func TestRoom_HeartbeatForcesResync(t *testing.T) {
	tr := newFakeTransport()
	r, clk := newTestRoom(t, tr, func(o *Options) { o.HeartbeatInterval = 10 * time.Second })
	c := handshake(t, r, tr)

	clk.Advance(10 * time.Second)
	msgs := recvClient(t, c)
	if msgs[0]["type"] != MsgFetchStorage {
		t.Fatalf("heartbeat sent %v, want FETCH_STORAGE", msgs)
	}
	if !r.Stale() {
		t.Error("silent room not marked stale")
	}

	// The server answers: the room is fresh again.
	deliver(c, emptyStorage)
	waitFor(t, "fresh storage", func() bool { return !r.Stale() })

	// A check still in flight skips the next tick, so step until it lands.
	msgs = advanceUntilFrame(t, clk, c, 10*time.Second)
	if msgs[0]["type"] != MsgFetchStorage {
		t.Fatalf("second heartbeat sent %v", msgs)
	}
	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Second)
		select {
		case <-c.closed:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("silent connection was not dropped")
}

func TestRoom_UndoRedo(t *testing.T) {
	tr := newFakeTransport()
	r, _ := newTestRoom(t, tr, nil)
	c := handshake(t, r, tr)

	hist := make(chan HistoryEvent, 8)
	r.SubscribeHistory(func(ev HistoryEvent) { hist <- ev })

	if err := r.Undo(); !errors.Is(err, history.ErrEmpty) {
		t.Errorf("Undo on empty history: %v", err)
	}

	first, _ := r.ApplyLocal(crdt.UpdateObject(crdt.RootID, map[string]any{"title": "a"}))
	recvClient(t, c)
	if ev := <-hist; !ev.CanUndo || ev.CanRedo {
		t.Errorf("history after edit = %+v", ev)
	}

	if err := r.Undo(); err != nil {
		t.Fatal(err)
	}
	ops := opsOf(t, recvClient(t, c)[0])
	if len(ops) != 1 || ops[0]["type"] != string(crdt.OpDeleteObjectKey) || ops[0]["key"] != "title" {
		t.Fatalf("undo ops = %v", ops)
	}
	if ops[0]["opId"] == first.String() {
		t.Error("undo reused the original op id")
	}
	if _, ok := r.Storage()["title"]; ok {
		t.Error("title still present after undo")
	}
	if !r.CanRedo() || r.CanUndo() {
		t.Errorf("CanUndo = %v CanRedo = %v", r.CanUndo(), r.CanRedo())
	}

	if err := r.Redo(); err != nil {
		t.Fatal(err)
	}
	ops = opsOf(t, recvClient(t, c)[0])
	if len(ops) != 1 || ops[0]["type"] != string(crdt.OpUpdateObject) {
		t.Fatalf("redo ops = %v", ops)
	}
	if r.Storage()["title"] != "a" {
		t.Errorf("title after redo = %v", r.Storage()["title"])
	}

	// A new edit clears the redo stack.
	r.Undo()
	recvClient(t, c)
	r.ApplyLocal(crdt.UpdateObject(crdt.RootID, map[string]any{"other": 1}))
	recvClient(t, c)
	if r.CanRedo() {
		t.Error("redo survived a new edit")
	}
}

func TestRoom_BatchIsOneMessageAndOneUndo(t *testing.T) {
	tr := newFakeTransport()
	r, _ := newTestRoom(t, tr, nil)
	c := handshake(t, r, tr)

	err := r.Batch(func(tx *Tx) error {
		if _, err := tx.ApplyLocal(crdt.CreateList(crdt.RootID, "items")); err != nil {
			return err
		}
		if _, err := tx.ApplyLocal(crdt.UpdateObject(crdt.RootID, map[string]any{"title": "t"})); err != nil {
			return err
		}
		tx.UpdatePresence(map[string]any{"cursor": 1}, true)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var storageMsgs int
	for i := 0; i < 2; i++ {
		for _, m := range recvClient(t, c) {
			if m["type"] == MsgUpdateStorage {
				storageMsgs++
				if ops := opsOf(t, m); len(ops) != 2 {
					t.Errorf("batched ops = %d, want 2", len(ops))
				}
			}
		}
	}
	if storageMsgs != 1 {
		t.Fatalf("storage messages = %d, want 1", storageMsgs)
	}

	if err := r.Undo(); err != nil {
		t.Fatal(err)
	}
	storage := r.Storage()
	if _, ok := storage["items"]; ok {
		t.Error("list survived undo")
	}
	if _, ok := storage["title"]; ok {
		t.Error("title survived undo")
	}
	if _, ok := r.Self()["cursor"]; ok {
		t.Error("presence survived undo")
	}
	if r.CanUndo() {
		t.Error("batch produced more than one undo entry")
	}
}

func TestRoom_OrphanExpiryReportsConflict(t *testing.T) {
	tr := newFakeTransport()
	r, clk := newTestRoom(t, tr, func(o *Options) { o.OrphanTimeout = 5 * time.Second })
	c := handshake(t, r, tr)

	errs := make(chan error, 4)
	r.SubscribeErrors(func(err error) { errs <- err })

	deliver(c, `{"type":"UPDATE_STORAGE","ops":[{"type":"CREATE_REGISTER","opId":"3:1","id":"3:1","parentId":"9:9","parentKey":"a","data":1}]}`)
	waitFor(t, "orphan", func() bool {
		var ok bool
		r.do(func() { ok = r.tree.HasOrphans() })
		return ok
	})

	clk.Advance(5 * time.Second)
	select {
	case err := <-errs:
		if !errors.Is(err, crdt.ErrStructural) {
			t.Errorf("err = %v, want ErrStructural", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expired orphan not reported")
	}
}

func TestRoom_DrainedOrphanConflictIsReported(t *testing.T) {
	tr := newFakeTransport()
	r, _ := newTestRoom(t, tr, nil)
	c := handshake(t, r, tr)

	errs := make(chan error, 4)
	r.SubscribeErrors(func(err error) { errs <- err })

	// The child waits for 2:1, which then arrives as a register.
	deliver(c, `{"type":"UPDATE_STORAGE","ops":[`+
		`{"type":"CREATE_REGISTER","opId":"3:1","id":"3:1","parentId":"2:1","parentKey":"a","data":1},`+
		`{"type":"CREATE_REGISTER","opId":"2:1","id":"2:1","parentId":"root","parentKey":"p","data":2}]}`)

	select {
	case err := <-errs:
		var sc *crdt.StructuralConflict
		if !errors.As(err, &sc) || sc.OpID != "3:1" {
			t.Errorf("err = %v, want a StructuralConflict for 3:1", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dropped orphan not reported")
	}
	if got := r.Storage()["p"]; got != float64(2) {
		t.Errorf("parent register = %v, want 2", got)
	}
}

func TestRoom_Leave(t *testing.T) {
	tr := newFakeTransport()
	r, clk := newTestRoom(t, tr, nil)
	c := handshake(t, r, tr)

	statuses := make(chan Status, 4)
	r.SubscribeStatus(func(s Status) { statuses <- s })

	r.Leave()
	r.Leave()
	if r.Status() != StatusClosed {
		t.Errorf("Status = %s, want closed", r.Status())
	}
	select {
	case s := <-statuses:
		if s != StatusClosed {
			t.Errorf("status event = %s", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no closed status event")
	}
	select {
	case <-c.closed:
	default:
		t.Error("connection left open")
	}
	if _, err := r.ApplyLocal(crdt.UpdateObject(crdt.RootID, map[string]any{"a": 1})); !errors.Is(err, ErrClosed) {
		t.Errorf("ApplyLocal after Leave: %v", err)
	}
	if n := clk.Pending(); n != 0 {
		t.Errorf("%d timers still armed after Leave", n)
	}
}

func TestRoom_Unsubscribe(t *testing.T) {
	tr := newFakeTransport()
	r, _ := newTestRoom(t, tr, nil)
	c := handshake(t, r, tr)

	var mu sync.Mutex
	count := 0
	unsubscribe := r.SubscribeOthers(func([]presence.Other) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	got := make(chan struct{}, 4)
	r.SubscribeOthers(func([]presence.Other) { got <- struct{}{} })

	deliver(c, `{"type":"USER_JOINED","actor":2}`)
	<-got
	unsubscribe()
	unsubscribe()
	deliver(c, `{"type":"USER_LEFT","actor":2}`)
	<-got

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("unsubscribed observer called %d times, want 1", count)
	}
}

func TestRoom_RestartRestoresPersistedState(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	r, _ := newTestRoom(t, tr, func(o *Options) { o.Store = st })
	c := handshake(t, r, tr)

	if _, err := r.ApplyLocal(crdt.UpdateObject(crdt.RootID, map[string]any{"title": "draft"})); err != nil {
		t.Fatal(err)
	}
	recvClient(t, c)
	r.Leave()

	tr2 := newFakeTransport()
	tr2.gate = make(chan struct{})
	r2, _ := newTestRoom(t, tr2, func(o *Options) { o.Store = st })
	if got := r2.Storage()["title"]; got != "draft" {
		t.Errorf("restored title = %v", got)
	}

	// The unacknowledged edit is resent under its original id.
	close(tr2.gate)
	c2 := waitConn(t, tr2)
	recvClient(t, c2)
	deliver(c2, `[{"type":"ROOM_STATE","actor":1},`+emptyStorage+`]`)
	ops := opsOf(t, recvClient(t, c2)[0])
	if len(ops) != 1 || ops[0]["opId"] != "1:1" {
		t.Errorf("resent ops = %v", ops)
	}

	// New ops continue the persisted sequence.
	id, err := r2.ApplyLocal(crdt.UpdateObject(crdt.RootID, map[string]any{"title": "final"}))
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != "1:2" {
		t.Errorf("next op id = %s, want 1:2", id)
	}
}
