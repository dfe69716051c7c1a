package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/feed"
)

// DefaultPollInterval is used when NewPollChannel is given a non-positive
// interval.
const DefaultPollInterval = 5 * time.Second

// PollChannel periodically fetches a position feed over HTTP. It is the
// fallback for networks where persistent sockets do not survive.
type PollChannel struct {
	hooks

	id       string
	url      string
	fetcher  *feed.Fetcher
	decode   feed.Decoder
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPollChannel creates an unopened polling channel.
func NewPollChannel(url string, fetcher *feed.Fetcher, decode feed.Decoder, interval time.Duration) *PollChannel {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollChannel{
		id:       "poll-" + uuid.NewString(),
		url:      url,
		fetcher:  fetcher,
		decode:   decode,
		interval: interval,
	}
}

func (c *PollChannel) ID() string   { return c.id }
func (c *PollChannel) Kind() string { return KindPoll }

// Open performs the first fetch synchronously; a reachable feed means the
// channel is connected. Subsequent fetches run on a background goroutine.
func (c *PollChannel) Open(ctx context.Context) error {
	if err := c.poll(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(loopCtx, done)
	return nil
}

func (c *PollChannel) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.report(Status{State: StateDisconnected, Err: err, Channel: c.id, Since: time.Now()})
			return
		}
		timer.Reset(c.interval)
	}
}

func (c *PollChannel) poll(ctx context.Context) error {
	body, err := c.fetcher.Fetch(ctx, c.url)
	if err != nil {
		if errors.Is(err, feed.ErrUnauthorized) {
			return &AuthenticationError{Channel: c.id, Err: err}
		}
		return &ConnectionError{Channel: c.id, Err: err}
	}

	samples, err := c.decode(body)
	if err != nil {
		return &ConnectionError{Channel: c.id, Err: err}
	}
	for i := range samples {
		s := samples[i]
		c.emit(Message{Kind: MessageLocationUpdate, Sample: &s, Channel: c.id})
	}
	return nil
}

// Send is not supported on a read-only HTTP feed.
func (c *PollChannel) Send(Envelope) error {
	return errors.New("transport: poll channel is receive-only")
}

// Close stops polling and waits for the loop to exit.
func (c *PollChannel) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
