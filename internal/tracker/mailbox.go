package tracker

import (
	"sync"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// mailbox is an unbounded FIFO with a wake-up signal, so producers on
// channel goroutines never wait for the loop.
type mailbox struct {
	mu     sync.Mutex
	queue  []transport.Message
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(msg transport.Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) ready() <-chan struct{} { return m.signal }

func (m *mailbox) drain() []transport.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}
