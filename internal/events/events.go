// Package events implements the typed publish/subscribe distributor that
// fans tracker changes out to the renderer, the spatial engine, persistence
// and any other interested component.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event type.
type Kind string

// Event kinds published by the tracker.
const (
	KindVehicleUpdated   Kind = "vehicle-updated"
	KindVehicleRemoved   Kind = "vehicle-removed"
	KindConnectionStatus Kind = "connection-status-changed"
	KindArrival          Kind = "arrival"
	KindSampleRejected   Kind = "sample-rejected"
)

// Event is a single notification. Payload type depends on Kind: the tracking
// package documents what it publishes for each kind.
type Event struct {
	Kind      Kind
	VehicleID string
	Payload   any
	At        time.Time
	Seq       uint64
}

// Handler receives events on the subscriber's delivery goroutine.
type Handler func(Event)

// Distributor delivers published events to subscribers. Publish never blocks:
// each subscriber owns an unbounded queue drained by its own goroutine, which
// keeps per-subscriber delivery in publish order.
type Distributor struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    atomic.Uint64
	closed bool
	now    func() time.Time
}

// New creates an empty Distributor.
func New() *Distributor {
	return &Distributor{subs: make(map[uint64]*Subscription), now: time.Now}
}

// Subscribe registers fn for the given kinds. With no kinds, fn receives
// every event.
func (d *Distributor) Subscribe(fn Handler, kinds ...Kind) *Subscription {
	sub := &Subscription{
		dist:    d,
		handler: fn,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.stopped.Store(true)
		close(sub.done)
		return sub
	}
	d.nextID++
	sub.id = d.nextID
	d.subs[sub.id] = sub
	d.mu.Unlock()

	go sub.run()
	return sub
}

// Publish stamps ev with a sequence number and enqueues it for every
// matching subscriber.
func (d *Distributor) Publish(ev Event) {
	ev.Seq = d.seq.Add(1)
	if ev.At.IsZero() {
		ev.At = d.now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, sub := range d.subs {
		if sub.wants(ev.Kind) {
			sub.enqueue(ev)
		}
	}
}

// Close unsubscribes everyone. Publish after Close is a no-op.
func (d *Distributor) Close() {
	d.mu.Lock()
	d.closed = true
	subs := d.subs
	d.subs = make(map[uint64]*Subscription)
	d.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Len returns the number of live subscriptions.
func (d *Distributor) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

func (d *Distributor) remove(id uint64) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

// Subscription is the token returned by Subscribe.
type Subscription struct {
	id      uint64
	dist    *Distributor
	kinds   map[Kind]bool
	handler Handler

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool

	// deliverMu covers the stopped check and the handler call as one step.
	deliverMu sync.Mutex
	inHandler atomic.Bool
}

// Unsubscribe stops delivery. It is safe to call more than once and from
// inside the handler. Once it returns no new handler invocation starts, even
// for events that were already queued; an invocation already under way may
// still be running. The stopped check and the call share one lock, so there is
// no gap between deciding to deliver and delivering.
func (s *Subscription) Unsubscribe() {
	s.dist.remove(s.id)
	s.stop()
}

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return
	}
	s.queue = append(s.queue, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped.Store(true)
		s.queue = nil
		close(s.wake)
		s.mu.Unlock()
	})
	// From inside the handler deliverMu is held by this very call chain.
	if !s.inHandler.Load() {
		s.deliverMu.Lock()
		s.deliverMu.Unlock()
	}
}

// deliver runs the handler for ev unless the subscription has stopped. It
// reports whether delivery should continue.
func (s *Subscription) deliver(ev Event) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.stopped.Load() {
		return false
	}
	s.inHandler.Store(true)
	defer s.inHandler.Store(false)
	s.handler(ev)
	return true
}

func (s *Subscription) run() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, ev := range batch {
				if !s.deliver(ev) {
					return
				}
			}
		}
		if s.stopped.Load() {
			return
		}
	}
}
