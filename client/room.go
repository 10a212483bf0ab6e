package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/alimasry/go-liveroom/clock"
	"github.com/alimasry/go-liveroom/crdt"
	"github.com/alimasry/go-liveroom/history"
	"github.com/alimasry/go-liveroom/poller"
	"github.com/alimasry/go-liveroom/presence"
	"github.com/alimasry/go-liveroom/store"
)

// Status is the connection state of a Room.
type Status int

const (
	StatusIdle Status = iota
	StatusAuthenticating
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAuthenticating:
		return "authenticating"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Logger receives diagnostic messages. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

func logf(l Logger, format string, args ...any) {
	if l == nil {
		return
	}
	l.Printf(format, args...)
}

const (
	defaultHeartbeat      = 30 * time.Second
	defaultConnectTimeout = 15 * time.Second
	defaultStableAfter    = 10 * time.Second
	defaultReconnectMin   = 250 * time.Millisecond
	defaultReconnectMax   = 30 * time.Second
	saveTimeout           = 5 * time.Second
	eventQueue            = 256
)

// Options configures a Room. Zero values select defaults.
type Options struct {
	// URL of the room endpoint. The room id is added as the "room" query
	// parameter.
	URL       string
	Auth      AuthProvider
	Transport Transport
	// Store persists the room so it can start offline. Optional.
	Store           store.SnapshotStore
	InitialPresence map[string]any

	PresenceThrottle time.Duration
	// HeartbeatInterval paces the liveness check while connected.
	HeartbeatInterval time.Duration
	// DegradedAfter is how long a connection may stay silent before the
	// heartbeat forces a resync. Defaults to HeartbeatInterval.
	DegradedAfter  time.Duration
	OrphanTimeout  time.Duration
	ConnectTimeout time.Duration
	// StableAfter resets the reconnect backoff once a connection has
	// stayed up this long.
	StableAfter time.Duration
	// NewBackOff builds the reconnect policy. Its Clock is replaced by the
	// room clock.
	NewBackOff func() *backoff.ExponentialBackOff

	Clock  clock.Clock
	Logger Logger
}

func (o Options) withDefaults() Options {
	if o.Transport == nil {
		o.Transport = WebSocketTransport{}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeat
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = o.HeartbeatInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.StableAfter <= 0 {
		o.StableAfter = defaultStableAfter
	}
	if o.NewBackOff == nil {
		o.NewBackOff = func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = defaultReconnectMin
			b.MaxInterval = defaultReconnectMax
			b.MaxElapsedTime = 0
			return b
		}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

// StorageEvent lists the nodes touched by one batch of storage changes.
type StorageEvent struct {
	Local   bool
	Reset   bool
	Changed []string
	Deleted []string
}

// HistoryEvent reports which history directions are available.
type HistoryEvent struct {
	CanUndo bool
	CanRedo bool
}

// Room is one joined room: the storage tree, presence and history kept in
// sync with the server over a single connection.
//
// All state is owned by one event-loop goroutine. Public methods enqueue a
// closure and wait for it, so they are safe for concurrent use but must not
// be called from inside Batch. Observer callbacks run on a separate
// goroutine in event order and may call back into the Room.
type Room struct {
	id   string
	url  string
	opts Options
	log  Logger

	tree      *crdt.Tree
	presence  *presence.Store
	history   *history.Manager
	heartbeat *poller.Poller
	backoff   *backoff.ExponentialBackOff

	events   chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	obs      *dispatcher

	// Owned by the event loop.
	status        Status
	conn          Conn
	gen           int
	synced        bool
	degraded      bool
	lastInbound   time.Time
	heartbeatOn   bool
	cancelConnect context.CancelFunc
	retryTimer    clock.Timer
	stableTimer   clock.Timer
	presenceTimer clock.Timer
	orphanTimer   clock.Timer
	batchDepth    int
	batchOps      []crdt.Op
	dirty         bool
	lastHistory   HistoryEvent

	storageObs observers[StorageEvent]
	othersObs  observers[[]presence.Other]
	selfObs    observers[map[string]any]
	statusObs  observers[Status]
	errorObs   observers[error]
	historyObs observers[HistoryEvent]
}

// NewRoom creates a room and starts connecting. When opts.Store holds a
// snapshot of the room, the tree and its unacknowledged ops are restored
// from it so local edits are possible before the server answers.
func NewRoom(ctx context.Context, roomID string, opts Options) (*Room, error) {
	if roomID == "" {
		return nil, errors.New("client: empty room id")
	}
	opts = opts.withDefaults()
	if opts.Auth == nil {
		return nil, errors.New("client: no auth provider")
	}
	endpoint, err := roomURL(opts.URL, roomID)
	if err != nil {
		return nil, err
	}

	var snap *store.Snapshot
	if opts.Store != nil {
		snap, err = opts.Store.Load(ctx, roomID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load snapshot of room %q: %w", roomID, err)
		}
	}

	r := &Room{
		id:     roomID,
		url:    endpoint,
		opts:   opts,
		log:    opts.Logger,
		events: make(chan func(), eventQueue),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		obs:    newDispatcher(),
	}
	treeOpts := crdt.Options{OrphanTimeout: opts.OrphanTimeout, Clock: opts.Clock}
	if snap != nil {
		treeOpts.Actor, treeOpts.Seq = snap.Actor, snap.Seq
	}
	r.tree = crdt.NewTree(treeOpts)
	if snap != nil {
		_, errs := r.tree.Load(snap.Items)
		for _, err := range errs {
			logf(r.log, "room %s: restore snapshot: %v", roomID, err)
		}
		r.tree.RestorePending(snap.Pending)
	}
	r.presence = presence.NewStore(opts.InitialPresence, presence.Options{
		Throttle: opts.PresenceThrottle,
		Clock:    opts.Clock,
	})
	r.history = history.NewManager(replayer{r})
	r.heartbeat = poller.New(r.checkHeartbeat, poller.Options{
		Interval: opts.HeartbeatInterval,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})
	r.backoff = opts.NewBackOff()
	r.backoff.Clock = opts.Clock
	r.backoff.Reset()

	go r.run()
	r.post(r.connect)
	return r, nil
}

func roomURL(base, roomID string) (string, error) {
	if base == "" {
		return "", errors.New("client: no room URL")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("client: room URL: %w", err)
	}
	q := u.Query()
	q.Set("room", roomID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// run is the room's main loop. It serializes all state changes.
func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case f := <-r.events:
			f()
		case <-r.stop:
			r.shutdown()
			return
		}
	}
}

// post enqueues f on the event loop. It reports false once the room is
// closed.
func (r *Room) post(f func()) bool {
	select {
	case r.events <- f:
		return true
	case <-r.done:
		return false
	}
}

// do runs f on the event loop and waits for it.
func (r *Room) do(f func()) error {
	finished := make(chan struct{})
	if !r.post(func() { f(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Leave closes the connection, cancels every timer and discards ops that
// were not sent. The persisted snapshot, if any, is kept.
func (r *Room) Leave() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Room) shutdown() {
	if r.cancelConnect != nil {
		r.cancelConnect()
		r.cancelConnect = nil
	}
	stopTimer(&r.retryTimer)
	stopTimer(&r.stableTimer)
	stopTimer(&r.presenceTimer)
	stopTimer(&r.orphanTimer)
	r.heartbeat.Close()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.batchOps = nil
	r.gen++
	r.setStatus(StatusClosed)
	r.obs.close()
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// --- connection lifecycle ---

func (r *Room) connect() {
	if r.status == StatusClosed {
		return
	}
	r.gen++
	gen := r.gen
	if r.status == StatusIdle {
		r.setStatus(StatusAuthenticating)
	} else {
		r.setStatus(StatusConnecting)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ConnectTimeout)
	r.cancelConnect = cancel

	go func() {
		defer cancel()
		token, err := r.opts.Auth.Token(ctx, r.id)
		if err != nil {
			r.post(func() { r.connectFailed(gen, err) })
			return
		}
		r.post(func() {
			if gen == r.gen && r.status == StatusAuthenticating {
				r.setStatus(StatusConnecting)
			}
		})
		conn, err := r.opts.Transport.Dial(ctx, r.url, token)
		if !r.post(func() { r.connected(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (r *Room) connected(gen int, conn Conn, err error) {
	if gen != r.gen || r.status == StatusClosed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	r.cancelConnect = nil
	if err != nil {
		r.connectFailed(gen, err)
		return
	}

	r.conn = conn
	r.synced = false
	r.degraded = false
	r.lastInbound = r.opts.Clock.Now()
	r.setStatus(StatusConnected)
	logf(r.log, "room %s: connected", r.id)
	go r.readLoop(gen, conn)

	r.stableTimer = r.opts.Clock.AfterFunc(r.opts.StableAfter, func() {
		r.post(func() {
			if gen == r.gen && r.conn != nil {
				r.stableTimer = nil
				r.backoff.Reset()
			}
		})
	})
	if !r.heartbeatOn {
		r.heartbeatOn = true
		r.heartbeat.Inc()
	}
	stopTimer(&r.presenceTimer)
	r.send(presenceMessage(r.presence.FullPatch(), nil), fetchStorageMessage())
}

func (r *Room) connectFailed(gen int, err error) {
	if gen != r.gen || r.status == StatusClosed {
		return
	}
	r.cancelConnect = nil
	if errors.Is(err, ErrAuthorization) {
		logf(r.log, "room %s: %v", r.id, err)
		r.setStatus(StatusIdle)
		emit(r.obs, &r.errorObs, err)
		return
	}
	logf(r.log, "room %s: connect failed: %v", r.id, err)
	r.scheduleReconnect()
}

func (r *Room) scheduleReconnect() {
	r.setStatus(StatusReconnecting)
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		d = r.backoff.MaxInterval
	}
	gen := r.gen
	stopTimer(&r.retryTimer)
	r.retryTimer = r.opts.Clock.AfterFunc(d, func() {
		r.post(func() {
			if gen == r.gen && r.status == StatusReconnecting {
				r.retryTimer = nil
				r.connect()
			}
		})
	})
}

// Reconnect retries immediately after an authorization failure or while
// waiting out the reconnect backoff.
func (r *Room) Reconnect() error {
	return r.do(func() {
		switch r.status {
		case StatusIdle, StatusReconnecting:
			stopTimer(&r.retryTimer)
			r.connect()
		}
	})
}

func (r *Room) readLoop(gen int, conn Conn) {
	for {
		data, err := conn.Receive()
		if err != nil {
			r.post(func() { r.connectionLost(gen, err) })
			return
		}
		if !r.post(func() { r.receive(gen, data) }) {
			return
		}
	}
}

func (r *Room) connectionLost(gen int, err error) {
	if gen != r.gen || r.conn == nil {
		return
	}
	logf(r.log, "room %s: connection lost: %v", r.id, err)
	r.disconnect()
	r.scheduleReconnect()
}

func (r *Room) disconnect() {
	r.conn.Close()
	r.conn = nil
	r.synced = false
	stopTimer(&r.stableTimer)
	stopTimer(&r.presenceTimer)
	if r.heartbeatOn {
		r.heartbeatOn = false
		r.heartbeat.Dec()
	}
	if r.presence.ClearOthers() {
		r.othersChanged()
	}
}

func (r *Room) send(msgs ...ClientMessage) {
	if r.conn == nil {
		return
	}
	data, err := Encode(msgs...)
	if err != nil {
		logf(r.log, "room %s: encode: %v", r.id, err)
		return
	}
	if err := r.conn.Send(data); err != nil {
		r.connectionLost(r.gen, err)
	}
}

// --- inbound ---

func (r *Room) receive(gen int, data []byte) {
	if gen != r.gen || r.conn == nil {
		return
	}
	r.lastInbound = r.opts.Clock.Now()
	r.degraded = false

	msgs, err := Decode(data)
	if err != nil {
		logf(r.log, "room %s: %v", r.id, err)
		r.disconnect()
		r.scheduleReconnect()
		return
	}
	for _, msg := range msgs {
		if r.conn == nil {
			return
		}
		r.handle(msg)
	}
}

func (r *Room) handle(msg ServerMessage) {
	switch m := msg.(type) {
	case RoomState:
		r.tree.Allocator().SetActor(m.Actor)
		r.presence.ApplyRoomState(m.Actor, m.Users)
		r.othersChanged()

	case InitialStorageState:
		upd, errs := r.tree.Load(m.Items)
		for _, err := range errs {
			r.reportError(err)
		}
		if !r.synced {
			// First snapshot on this connection: everything unacknowledged,
			// including ops made offline, goes out in original order.
			r.synced = true
			if pending := r.tree.Pending(); len(pending) > 0 {
				r.send(storageMessage(pending))
			}
		}
		r.storageChanged(upd)

	case UpdateStorage:
		var upd crdt.Update
		for _, op := range m.Ops {
			u, err := r.tree.ApplyRemote(op)
			if err != nil {
				r.reportError(err)
			}
			upd.Merge(u)
		}
		r.storageChanged(upd)

	case UpdatePresence:
		if r.presence.ApplyUpdate(m.Actor, m.Data, m.TargetActor != nil) {
			r.othersChanged()
		}

	case UserJoined:
		if r.presence.AddActor(m.Actor, presence.User{ID: m.ID, Info: m.Info, Scopes: m.Scopes}) {
			r.othersChanged()
		}
		target := m.Actor
		r.send(presenceMessage(presence.Patch{Full: true, Data: r.presence.Self()}, &target))

	case UserLeft:
		if r.presence.RemoveActor(m.Actor) {
			r.othersChanged()
		}
	}
}

// --- heartbeat ---

func (r *Room) checkHeartbeat(ctx context.Context) error {
	result := make(chan error, 1)
	if !r.post(func() { result <- r.checkLiveness() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// checkLiveness forces a resync on a silent connection and drops it if it
// stays silent until the next check.
func (r *Room) checkLiveness() error {
	if r.conn == nil {
		return nil
	}
	idle := r.opts.Clock.Now().Sub(r.lastInbound)
	if idle < r.opts.DegradedAfter {
		return nil
	}
	if !r.degraded {
		logf(r.log, "room %s: no traffic for %s, forcing resync", r.id, idle)
		r.degraded = true
		r.heartbeat.MarkAsStale()
		r.send(fetchStorageMessage())
		return nil
	}
	r.connectionLost(r.gen, &TransientNetworkError{Op: "heartbeat", Err: fmt.Errorf("no traffic for %s", idle)})
	return nil
}

// SetInForeground pauses the heartbeat while the host is in the background.
// Coming back checks the connection at once if the last check is stale.
func (r *Room) SetInForeground(foreground bool) {
	r.heartbeat.SetInForeground(foreground)
}

// --- storage ---

// ApplyLocal applies a storage mutation, records its inverse for undo and
// broadcasts it, or buffers it while the room is not connected.
func (r *Room) ApplyLocal(op crdt.Op) (crdt.OpID, error) {
	var id crdt.OpID
	var err error
	if e := r.do(func() { id, err = r.applyLocal(op) }); e != nil {
		return crdt.OpID{}, e
	}
	return id, err
}

func (r *Room) applyLocal(op crdt.Op) (crdt.OpID, error) {
	res, err := r.tree.ApplyLocal(op)
	if len(res.Ops) > 0 {
		r.history.Record(history.Item{Ops: res.Reverse})
		r.queueOps(res.Ops)
		r.storageChanged(res.Update)
		r.historyChanged()
	}
	return res.OpID, err
}

// queueOps sends ops now, at the end of the enclosing batch, or after the
// next snapshot when the room is not synced. Unsent ops stay in the tree's
// pending list, which is the outbound buffer.
func (r *Room) queueOps(ops []crdt.Op) {
	if r.batchDepth > 0 {
		r.batchOps = append(r.batchOps, ops...)
		return
	}
	if r.conn != nil && r.synced {
		r.send(storageMessage(ops))
	}
}

func (r *Room) storageChanged(upd crdt.Update) {
	r.persist()
	r.armOrphanTimer()
	if upd.Empty() {
		return
	}
	emit(r.obs, &r.storageObs, StorageEvent{
		Local:   upd.Local,
		Reset:   upd.Reset,
		Changed: upd.Changed,
		Deleted: upd.Deleted,
	})
}

func (r *Room) persist() {
	if r.opts.Store == nil || !r.tree.Loaded() {
		return
	}
	if r.batchDepth > 0 {
		r.dirty = true
		return
	}
	alloc := r.tree.Allocator()
	snap := store.Snapshot{
		RoomID:    r.id,
		Items:     r.tree.Serialize(),
		Pending:   r.tree.Pending(),
		Actor:     alloc.Actor(),
		Seq:       alloc.Seq(),
		UpdatedAt: r.opts.Clock.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.opts.Store.Save(ctx, snap); err != nil {
		logf(r.log, "room %s: save snapshot: %v", r.id, err)
	}
}

func (r *Room) armOrphanTimer() {
	if r.orphanTimer != nil {
		return
	}
	at, ok := r.tree.NextOrphanExpiry()
	if !ok {
		return
	}
	r.orphanTimer = r.opts.Clock.AfterFunc(at.Sub(r.opts.Clock.Now()), func() {
		r.post(func() {
			r.orphanTimer = nil
			for _, err := range r.tree.ExpireOrphans() {
				r.reportError(err)
			}
			r.armOrphanTimer()
		})
	})
}

func (r *Room) reportError(err error) {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			r.reportError(e)
		}
		return
	}
	logf(r.log, "room %s: %v", r.id, err)
	emit(r.obs, &r.errorObs, err)
}

// Storage returns the materialized document, or nil before any snapshot
// is loaded. Nested values are shared with later snapshots and must not be
// modified.
func (r *Room) Storage() map[string]any {
	var out map[string]any
	r.do(func() {
		if r.tree.Loaded() {
			out = r.tree.ToJSON()
		}
	})
	return out
}

// StorageLoaded reports whether local mutations are possible.
func (r *Room) StorageLoaded() bool {
	var ok bool
	r.do(func() { ok = r.tree.Loaded() })
	return ok
}

// PositionAt returns a position key that inserts into list listID before
// the element at index, or at the end when index equals the list length.
func (r *Room) PositionAt(listID string, index int) (string, error) {
	var key string
	var err error
	if e := r.do(func() { key, err = r.tree.PositionAt(listID, index) }); e != nil {
		return "", e
	}
	return key, err
}

// Stale reports whether storage may lag behind the server: the room is
// not connected, is waiting for its snapshot, or has gone silent.
func (r *Room) Stale() bool {
	stale := true
	r.do(func() { stale = r.conn == nil || !r.synced || r.degraded })
	return stale
}

// --- presence ---

// UpdatePresence shallow-merges patch into the local presence. Keys set to
// presence.Remove are deleted. With addToHistory the change can be undone.
func (r *Room) UpdatePresence(patch map[string]any, addToHistory bool) error {
	return r.do(func() { r.updatePresence(patch, addToHistory) })
}

func (r *Room) updatePresence(patch map[string]any, addToHistory bool) {
	inverse, changed := r.presence.Update(patch)
	if !changed {
		return
	}
	if addToHistory {
		r.history.Record(history.Item{Presence: inverse})
		r.historyChanged()
	}
	r.flushPresence()
	emit(r.obs, &r.selfObs, r.presence.Self())
}

// flushPresence sends queued presence changes, at most once per throttle
// window. While disconnected they wait for the full broadcast on connect.
func (r *Room) flushPresence() {
	if r.conn == nil {
		return
	}
	p, wait, ok := r.presence.Flush()
	if ok {
		r.send(presenceMessage(p, nil))
		return
	}
	if wait <= 0 || r.presenceTimer != nil {
		return
	}
	gen := r.gen
	r.presenceTimer = r.opts.Clock.AfterFunc(wait, func() {
		r.post(func() {
			if gen != r.gen || r.presenceTimer == nil {
				return
			}
			r.presenceTimer = nil
			r.flushPresence()
		})
	})
}

// Self returns a copy of the local presence.
func (r *Room) Self() map[string]any {
	var out map[string]any
	r.do(func() { out = r.presence.Self() })
	return out
}

// Others returns the other actors in the room ordered by actor id.
func (r *Room) Others() []presence.Other {
	var out []presence.Other
	r.do(func() { out = r.presence.Others() })
	return out
}

// Actor returns the actor id assigned by the server, or -1 before the
// first ROOM_STATE.
func (r *Room) Actor() int {
	actor := -1
	r.do(func() { actor = r.presence.Actor() })
	return actor
}

// Status returns the connection status.
func (r *Room) Status() Status {
	s := StatusClosed
	r.do(func() { s = r.status })
	return s
}

func (r *Room) setStatus(s Status) {
	if r.status == s {
		return
	}
	r.status = s
	emit(r.obs, &r.statusObs, s)
}

func (r *Room) othersChanged() {
	emit(r.obs, &r.othersObs, r.presence.Others())
}

// --- history and batching ---

// Undo reverts the latest history entry through the same path as a local
// edit. It returns history.ErrEmpty when there is nothing to undo.
func (r *Room) Undo() error {
	var err error
	if e := r.do(func() {
		r.inBatch(func() { err = r.history.Undo() })
		r.historyChanged()
	}); e != nil {
		return e
	}
	return err
}

// Redo re-applies the latest undone entry.
func (r *Room) Redo() error {
	var err error
	if e := r.do(func() {
		r.inBatch(func() { err = r.history.Redo() })
		r.historyChanged()
	}); e != nil {
		return e
	}
	return err
}

// PauseHistory starts grouping mutations into one undo entry until the
// matching ResumeHistory.
func (r *Room) PauseHistory() error {
	return r.do(r.history.Pause)
}

func (r *Room) ResumeHistory() error {
	return r.do(func() {
		r.history.Resume()
		r.historyChanged()
	})
}

// CanUndo and CanRedo report whether the stacks hold an entry.
func (r *Room) CanUndo() bool {
	var ok bool
	r.do(func() { ok = r.history.CanUndo() })
	return ok
}

func (r *Room) CanRedo() bool {
	var ok bool
	r.do(func() { ok = r.history.CanRedo() })
	return ok
}

func (r *Room) historyChanged() {
	ev := HistoryEvent{CanUndo: r.history.CanUndo(), CanRedo: r.history.CanRedo()}
	if ev == r.lastHistory {
		return
	}
	r.lastHistory = ev
	emit(r.obs, &r.historyObs, ev)
}

// Tx applies mutations inside Batch. It is only valid during the call.
type Tx struct {
	r *Room
}

func (tx *Tx) ApplyLocal(op crdt.Op) (crdt.OpID, error) {
	return tx.r.applyLocal(op)
}

func (tx *Tx) UpdatePresence(patch map[string]any, addToHistory bool) {
	tx.r.updatePresence(patch, addToHistory)
}

func (tx *Tx) Storage() map[string]any {
	if !tx.r.tree.Loaded() {
		return nil
	}
	return tx.r.tree.ToJSON()
}

func (tx *Tx) PositionAt(listID string, index int) (string, error) {
	return tx.r.tree.PositionAt(listID, index)
}

// Batch runs fn on the event loop. Its storage ops travel in one message
// and, with any presence marked for history, form one undo entry. Mutations
// applied before fn returns an error are kept.
func (r *Room) Batch(fn func(tx *Tx) error) error {
	var err error
	if e := r.do(func() {
		r.inBatch(func() {
			r.history.Pause()
			err = fn(&Tx{r: r})
			r.history.Resume()
		})
		r.historyChanged()
	}); e != nil {
		return e
	}
	return err
}

func (r *Room) inBatch(f func()) {
	r.batchDepth++
	f()
	r.batchDepth--
	if r.batchDepth > 0 {
		return
	}
	if ops := r.batchOps; len(ops) > 0 {
		r.batchOps = nil
		r.queueOps(ops)
	}
	if r.dirty {
		r.dirty = false
		r.persist()
	}
}

// replayer applies history items as fresh local mutations.
type replayer struct {
	r *Room
}

func (rp replayer) Replay(it history.Item) (history.Item, error) {
	r := rp.r
	var inverse history.Item
	upd := crdt.Update{Local: true}
	var errs []error
	for _, op := range it.Ops {
		res, err := r.tree.ApplyLocal(op)
		if len(res.Ops) > 0 {
			inverse.Ops = append(append([]crdt.Op(nil), res.Reverse...), inverse.Ops...)
			r.queueOps(res.Ops)
			upd.Merge(res.Update)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(it.Presence) > 0 {
		if inv, changed := r.presence.Update(it.Presence); changed {
			inverse.Presence = inv
			r.flushPresence()
			emit(r.obs, &r.selfObs, r.presence.Self())
		}
	}
	r.storageChanged(upd)
	return inverse, errors.Join(errs...)
}

// --- observers ---

// SubscribeStorage registers fn for storage changes, local and remote.
// The returned function unsubscribes.
func (r *Room) SubscribeStorage(fn func(StorageEvent)) func() { return r.storageObs.add(fn) }

// SubscribeOthers registers fn for changes to the other actors.
func (r *Room) SubscribeOthers(fn func([]presence.Other)) func() { return r.othersObs.add(fn) }

// SubscribePresence registers fn for changes to the local presence.
func (r *Room) SubscribePresence(fn func(map[string]any)) func() { return r.selfObs.add(fn) }

func (r *Room) SubscribeStatus(fn func(Status)) func() { return r.statusObs.add(fn) }

// SubscribeErrors registers fn for authorization failures and storage
// conflicts that could not be resolved.
func (r *Room) SubscribeErrors(fn func(error)) func() { return r.errorObs.add(fn) }

func (r *Room) SubscribeHistory(fn func(HistoryEvent)) func() { return r.historyObs.add(fn) }
