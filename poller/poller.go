// Package poller runs a callback on an adaptive schedule. A Poller is enabled
// by reference count, pauses while in the background, polls immediately when
// its data goes stale, never runs two polls at once and backs off
// exponentially while the callback keeps failing.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alimasry/go-liveroom/clock"
)

const (
	defaultInterval      = 30 * time.Second
	defaultMaxMultiplier = 8
	defaultTimeout       = time.Minute
)

// ErrPollTimeout is the cancellation cause seen by a poll that outlived
// Options.Timeout.
var ErrPollTimeout = errors.New("poll timed out")

// State describes the scheduling state of a Poller.
type State int

const (
	StateStopped State = iota // never enabled, or closed
	StateRunning              // timer armed
	StatePaused               // disabled or in the background; the schedule is remembered
	StateBackoff              // running with an inflated interval after failures
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateBackoff:
		return "backoff"
	}
	return "unknown"
}

// Func is the polled callback. The context is cancelled when the poll runs
// longer than Options.Timeout or the Poller is closed.
type Func func(ctx context.Context) error

// Logger receives diagnostic messages.
type Logger interface {
	Printf(format string, args ...any)
}

// Options configures a Poller. Zero values select defaults.
type Options struct {
	// Interval between polls while enabled and in the foreground.
	Interval time.Duration
	// MaxStaleTime is the age after which the last poll counts as stale for
	// SetInForeground(true) and PollNowIfStale. Defaults to Interval.
	MaxStaleTime time.Duration
	// MaxBackoffMultiplier caps the interval growth after failures.
	MaxBackoffMultiplier int
	// Timeout cancels the context of a poll that runs longer than this.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.MaxStaleTime <= 0 {
		o.MaxStaleTime = o.Interval
	}
	if o.MaxBackoffMultiplier < 1 {
		o.MaxBackoffMultiplier = defaultMaxMultiplier
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
		if 2*o.Interval > o.Timeout {
			o.Timeout = 2 * o.Interval
		}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

// Context is a point-in-time view of a Poller's schedule.
type Context struct {
	State             State
	Interval          time.Duration
	LastScheduledAt   time.Time
	RemainingInterval time.Duration
	BackoffMultiplier int
}

// Poller schedules Func invocations. It is safe for concurrent use.
type Poller struct {
	fn   Func
	opts Options

	mu         sync.Mutex
	count      int
	foreground bool
	stale      bool
	started    bool
	lastPollAt time.Time
	multiplier int
	timer      clock.Timer
	gen        int
	closed     bool

	inflight *semaphore.Weighted
	ctx      context.Context
	cancel   context.CancelFunc

	// spawn runs a poll; tests replace it to run polls inline.
	spawn func(func())
}

// New creates a stopped Poller in the foreground.
func New(fn Func, opts Options) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		fn:         fn,
		opts:       opts.withDefaults(),
		foreground: true,
		multiplier: 1,
		inflight:   semaphore.NewWeighted(1),
		ctx:        ctx,
		cancel:     cancel,
		spawn:      func(f func()) { go f() },
	}
}

// Inc enables the poller once more. The schedule runs while the count is
// positive. Re-enabling keeps the original schedule, so a poll that became
// due while disabled runs immediately.
func (p *Poller) Inc() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.count++
	var run func()
	if p.count == 1 {
		run = p.resumeLocked()
	}
	p.mu.Unlock()
	p.start(run)
}

// Dec releases one enable. Extra calls are ignored.
func (p *Poller) Dec() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 {
		p.logf("poller: Dec called while stopped")
		return
	}
	p.count--
	if p.count == 0 {
		p.stopTimerLocked()
	}
}

// SetInForeground pauses (false) or resumes (true) scheduling. Resuming polls
// immediately when the data is stale.
func (p *Poller) SetInForeground(foreground bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.foreground = foreground
	var run func()
	if !foreground {
		p.stopTimerLocked()
	} else if p.count > 0 {
		now := p.opts.Clock.Now()
		if p.isStaleLocked(now) && p.idleLocked() {
			run = p.pollLocked(now)
		} else {
			run = p.resumeLocked()
		}
	}
	p.mu.Unlock()
	p.start(run)
}

// MarkAsStale flags the data as stale without polling.
func (p *Poller) MarkAsStale() {
	p.mu.Lock()
	p.stale = true
	p.mu.Unlock()
}

// PollNowIfStale polls immediately when the poller is active and its data is
// stale. It does nothing while a poll is in flight.
func (p *Poller) PollNowIfStale() {
	p.mu.Lock()
	var run func()
	now := p.opts.Clock.Now()
	if p.activeLocked() && p.isStaleLocked(now) && p.idleLocked() {
		run = p.pollLocked(now)
	}
	p.mu.Unlock()
	p.start(run)
}

// Snapshot returns the current schedule.
func (p *Poller) Snapshot() Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := Context{
		State:             p.stateLocked(),
		Interval:          p.intervalLocked(),
		LastScheduledAt:   p.lastPollAt,
		BackoffMultiplier: p.multiplier,
	}
	if p.started {
		if rem := p.lastPollAt.Add(c.Interval).Sub(p.opts.Clock.Now()); rem > 0 {
			c.RemainingInterval = rem
		}
	}
	return c
}

// Close stops scheduling for good and cancels an in-flight poll.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.count = 0
	p.stopTimerLocked()
	p.mu.Unlock()
	p.cancel()
}

func (p *Poller) activeLocked() bool {
	return !p.closed && p.count > 0 && p.foreground
}

func (p *Poller) stateLocked() State {
	switch {
	case p.closed || p.count == 0 && !p.started:
		return StateStopped
	case p.count == 0, !p.foreground:
		return StatePaused
	case p.multiplier > 1:
		return StateBackoff
	}
	return StateRunning
}

func (p *Poller) intervalLocked() time.Duration {
	return p.opts.Interval * time.Duration(p.multiplier)
}

func (p *Poller) isStaleLocked(now time.Time) bool {
	if p.stale {
		return true
	}
	return p.started && now.Sub(p.lastPollAt) >= p.opts.MaxStaleTime
}

// idleLocked reports whether no poll is running. Acquire and release of the
// semaphore both happen under p.mu, so the probe is exact.
func (p *Poller) idleLocked() bool {
	if !p.inflight.TryAcquire(1) {
		return false
	}
	p.inflight.Release(1)
	return true
}

// resumeLocked arms the timer for the next due poll, or returns the poll to
// run when it is already due.
func (p *Poller) resumeLocked() func() {
	if !p.activeLocked() {
		return nil
	}
	now := p.opts.Clock.Now()
	if !p.started {
		p.started = true
		p.lastPollAt = now
	}
	due := p.lastPollAt.Add(p.intervalLocked())
	if !due.After(now) {
		return p.pollLocked(now)
	}
	p.armLocked(due.Sub(now))
	return nil
}

func (p *Poller) armLocked(d time.Duration) {
	p.stopTimerLocked()
	p.gen++
	gen := p.gen
	p.timer = p.opts.Clock.AfterFunc(d, func() { p.onTimer(gen) })
}

func (p *Poller) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
}

func (p *Poller) onTimer(gen int) {
	p.mu.Lock()
	if gen != p.gen || !p.activeLocked() {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	run := p.pollLocked(p.opts.Clock.Now())
	p.mu.Unlock()
	p.start(run)
}

// pollLocked restarts the interval at now and claims the in-flight slot. A
// poll that finds the slot taken is skipped; the schedule still advances so
// the following poll keeps its cadence.
func (p *Poller) pollLocked(now time.Time) func() {
	p.started = true
	p.lastPollAt = now
	p.stale = false
	p.armLocked(p.intervalLocked())
	if !p.inflight.TryAcquire(1) {
		p.logf("poller: skipping poll, previous poll still running")
		return nil
	}
	ctx, cancel := context.WithCancelCause(p.ctx)
	deadline := p.opts.Clock.AfterFunc(p.opts.Timeout, func() { cancel(ErrPollTimeout) })
	return func() {
		err := p.fn(ctx)
		deadline.Stop()
		cancel(nil)
		p.finish(err)
	}
}

func (p *Poller) finish(err error) {
	p.mu.Lock()
	p.inflight.Release(1)
	prev := p.multiplier
	if err != nil {
		p.multiplier = min(p.multiplier*2, p.opts.MaxBackoffMultiplier)
		p.logf("poller: poll failed, next interval %s: %v", p.intervalLocked(), err)
	} else {
		p.multiplier = 1
	}
	var run func()
	if p.multiplier != prev && p.activeLocked() {
		run = p.resumeLocked()
	}
	p.mu.Unlock()
	p.start(run)
}

func (p *Poller) start(run func()) {
	if run != nil {
		p.spawn(run)
	}
}

func (p *Poller) logf(format string, args ...any) {
	if p.opts.Logger == nil {
		return
	}
	p.opts.Logger.Printf(format, args...)
}
