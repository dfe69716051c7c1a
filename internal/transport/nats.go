package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// BrokerChannel subscribes to a NATS subject carrying envelopes. Reconnection
// is left to the connection manager, so the client library's own reconnect
// loop is disabled.
type BrokerChannel struct {
	hooks

	id      string
	url     string
	subject string
	token   string
	log     logrus.FieldLogger

	mu     sync.Mutex
	nc     *nats.Conn
	sub    *nats.Subscription
	closed bool
}

// BrokerOption configures a BrokerChannel.
type BrokerOption func(*BrokerChannel)

// WithBrokerToken sets the NATS auth token.
func WithBrokerToken(token string) BrokerOption {
	return func(c *BrokerChannel) { c.token = token }
}

// WithBrokerLogger sets the channel logger.
func WithBrokerLogger(l logrus.FieldLogger) BrokerOption {
	return func(c *BrokerChannel) { c.log = l }
}

// NewBrokerChannel creates an unopened channel on subject at url.
func NewBrokerChannel(url, subject string, opts ...BrokerOption) *BrokerChannel {
	c := &BrokerChannel{
		id:      "broker-" + uuid.NewString(),
		url:     url,
		subject: subject,
		log:     logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *BrokerChannel) ID() string   { return c.id }
func (c *BrokerChannel) Kind() string { return KindBroker }

// Open connects and subscribes, then flushes so the subscription is known
// to the server before Open returns.
func (c *BrokerChannel) Open(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("qapac-tracker " + c.id),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			if err == nil {
				err = errors.New("disconnected")
			}
			c.report(Status{State: StateDisconnected, Err: &ConnectionError{Channel: c.id, Err: err}, Channel: c.id, Since: time.Now()})
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}

	nc, err := nats.Connect(c.url, opts...)
	if err != nil {
		if isNATSAuthError(err) {
			return &AuthenticationError{Channel: c.id, Err: err}
		}
		return &ConnectionError{Channel: c.id, Err: err}
	}

	sub, err := nc.Subscribe(c.subject, c.handle)
	if err != nil {
		nc.Close()
		return &ConnectionError{Channel: c.id, Err: err}
	}

	flushCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := nc.FlushWithContext(flushCtx); err != nil {
		nc.Close()
		return &ConnectionError{Channel: c.id, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		nc.Close()
		return &ConnectionError{Channel: c.id, Err: errors.New("closed while opening")}
	}
	c.nc, c.sub = nc, sub
	c.mu.Unlock()
	return nil
}

func (c *BrokerChannel) handle(m *nats.Msg) {
	env, err := DecodeEnvelope(m.Data)
	if err != nil || env.IsControl() {
		return
	}
	msg, err := env.Message()
	if err != nil {
		c.log.WithField("channel", c.id).WithError(err).Debug("dropping unknown envelope")
		return
	}
	msg.Channel = c.id
	c.emit(msg)
}

// Send publishes env on the channel subject.
func (c *BrokerChannel) Send(env Envelope) error {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := nc.Publish(c.subject, data); err != nil {
		return &ConnectionError{Channel: c.id, Err: err}
	}
	return nil
}

// Close unsubscribes and closes the connection.
func (c *BrokerChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	nc, sub := c.nc, c.sub
	c.nc, c.sub = nil, nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil {
		// Flush pending publishes from the reporter role before closing.
		_ = nc.FlushTimeout(time.Second)
		nc.Close()
	}
	return nil
}

// isNATSAuthError recognises auth failures; during the initial CONNECT the
// client surfaces the server's -ERR text rather than ErrAuthorization.
func isNATSAuthError(err error) bool {
	if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "authorization violation")
}
