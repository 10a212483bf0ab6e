package client

import (
	"sort"
	"sync"
)

// observers is a set of callbacks registered for one kind of event.
type observers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

// add registers fn and returns its unsubscribe handle.
func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

// snapshot returns the registered callbacks in registration order.
func (o *observers[T]) snapshot() []func(T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.fns) == 0 {
		return nil
	}
	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = o.fns[id]
	}
	return fns
}

func emit[T any](d *dispatcher, o *observers[T], ev T) {
	fns := o.snapshot()
	if len(fns) == 0 {
		return
	}
	d.post(func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}

// dispatcher runs observer callbacks on its own goroutine, in the order
// they were posted. Posting never blocks the room event loop.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(f func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, f)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		<-d.wake
		for {
			d.mu.Lock()
			batch := d.queue
			d.queue = nil
			closed := d.closed
			d.mu.Unlock()
			for _, f := range batch {
				f()
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

// close delivers what is already queued and stops the goroutine. It does
// not wait, so a callback may call it.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
