// Package event provides a small in-process publish/subscribe primitive
// used to surface room, peer and media notifications to applications.
package event

import (
	"sync"
	"sync/atomic"
)

// Target schedules handler invocations. Consumers with thread-affinity
// requirements (game loops, UI threads) can supply their own target to
// marshal all callbacks onto a goroutine they control.
type Target interface {
	Post(fn func())
}

type inlineTarget struct{}

func (inlineTarget) Post(fn func()) { fn() }

// Inline is the default target: handlers run synchronously on the
// emitting goroutine, preserving emission order.
var Inline Target = inlineTarget{}

// LoopTarget queues invocations for a consumer-driven loop. Post never
// blocks the emitter as long as the loop is being drained.
type LoopTarget struct {
	ch   chan func()
	done chan struct{}

	closeOnce sync.Once
}

// NewLoopTarget creates a loop target with the given queue depth.
func NewLoopTarget(buffer int) *LoopTarget {
	if buffer <= 0 {
		buffer = 64
	}
	return &LoopTarget{
		ch:   make(chan func(), buffer),
		done: make(chan struct{}),
	}
}

// Post queues one invocation. After Close the invocation is dropped;
// a Post blocked on a full queue unblocks when Close is called. The
// queue channel itself is never closed, so Post may race Close freely.
func (t *LoopTarget) Post(fn func()) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.ch <- fn:
	case <-t.done:
	}
}

// Poll runs pending invocations without blocking and reports how many ran.
func (t *LoopTarget) Poll() int {
	n := 0
	for {
		select {
		case fn := <-t.ch:
			fn()
			n++
		default:
			return n
		}
	}
}

// Run drains the queue until Close is called. Invocations queued before
// Close still run before Run returns.
func (t *LoopTarget) Run() {
	for {
		select {
		case fn := <-t.ch:
			fn()
		case <-t.done:
			for {
				select {
				case fn := <-t.ch:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Close stops the target. Pending invocations still queued are delivered
// to an active Run loop before it returns.
func (t *LoopTarget) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Subscription represents a registered handler. Unsubscribe is idempotent.
type Subscription[T any] struct {
	id     uint64
	fn     func(T)
	closed atomic.Bool
	d      *Dispatcher[T]
}

// Unsubscribe removes the handler. After it returns the handler is not
// invoked again by emissions on a synchronous target.
func (s *Subscription[T]) Unsubscribe() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.d.remove(s.id)
}

// Dispatcher fans a typed event out to subscribers and an optional
// single-slot handler. The zero value is not usable; use NewDispatcher.
type Dispatcher[T any] struct {
	mu      sync.Mutex
	target  Target
	nextID  uint64
	subs    []*Subscription[T] // in subscription order
	handler func(T)
}

// NewDispatcher creates a dispatcher delivering through the given target.
// A nil target means inline delivery on the emitting goroutine.
func NewDispatcher[T any](target Target) *Dispatcher[T] {
	if target == nil {
		target = Inline
	}
	return &Dispatcher[T]{target: target}
}

// Subscribe registers a handler invoked for every emitted event.
// Handlers are invoked in subscription order.
func (d *Dispatcher[T]) Subscribe(fn func(T)) *Subscription[T] {
	if fn == nil {
		return &Subscription[T]{d: d}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &Subscription[T]{id: d.nextID, fn: fn, d: d}
	d.subs = append(d.subs, sub)
	return sub
}

// SetHandler installs the single-slot handler, replacing any previous
// one. A nil handler clears the slot. The slot is invoked after all
// subscribers for each event.
func (d *Dispatcher[T]) SetHandler(fn func(T)) {
	d.mu.Lock()
	d.handler = fn
	d.mu.Unlock()
}

// Emit delivers the event to current subscribers and the slot handler.
// Subscribers added during delivery do not observe the in-flight event.
func (d *Dispatcher[T]) Emit(ev T) {
	d.mu.Lock()
	subs := make([]*Subscription[T], len(d.subs))
	copy(subs, d.subs)
	handler := d.handler
	target := d.target
	d.mu.Unlock()

	if len(subs) == 0 && handler == nil {
		return
	}

	target.Post(func() {
		for _, s := range subs {
			if !s.closed.Load() {
				s.fn(ev)
			}
		}
		if handler != nil {
			handler(ev)
		}
	})
}

// Len reports the number of active subscriptions.
func (d *Dispatcher[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *Dispatcher[T]) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			return
		}
	}
}
