package transport

import (
	"context"
	"sync"
)

// Channel kinds.
const (
	KindPush   = "push"
	KindPoll   = "poll"
	KindBroker = "broker"
)

// Channel is one delivery mechanism. Implementations read on their own
// goroutine and report through the registered callbacks, so Open is the only
// call that may block and it honours ctx.
type Channel interface {
	ID() string
	Kind() string

	// Open connects and, when credentials are configured, completes the
	// authentication handshake before returning.
	Open(ctx context.Context) error
	Close() error

	// OnMessage registers the receiver for inbound events.
	OnMessage(fn func(Message))
	// OnStatus registers the receiver for state changes the channel
	// discovers on its own, such as an abrupt drop.
	OnStatus(fn func(Status))

	// Send writes an envelope upstream.
	Send(env Envelope) error
}

// Factory builds a fresh, unopened channel. The manager calls it again for
// every reconnect so a wedged instance is never reused.
type Factory func() (Channel, error)

// hooks stores the callbacks shared by every Channel implementation.
type hooks struct {
	mu        sync.RWMutex
	onMessage func(Message)
	onStatus  func(Status)
}

func (h *hooks) OnMessage(fn func(Message)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

func (h *hooks) OnStatus(fn func(Status)) {
	h.mu.Lock()
	h.onStatus = fn
	h.mu.Unlock()
}

func (h *hooks) emit(m Message) {
	h.mu.RLock()
	fn := h.onMessage
	h.mu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

func (h *hooks) report(s Status) {
	h.mu.RLock()
	fn := h.onStatus
	h.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}
