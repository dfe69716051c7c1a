package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// PushChannel is a persistent WebSocket connection carrying envelopes.
type PushChannel struct {
	hooks

	id          string
	url         string
	token       string
	requireAuth bool
	dialer      *websocket.Dialer
	log         logrus.FieldLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex
}

// PushOption configures a PushChannel.
type PushOption func(*PushChannel)

// WithToken sets the bearer credential sent in the auth handshake.
func WithToken(token string) PushOption {
	return func(c *PushChannel) { c.token = token }
}

// RequireAuth makes Open fail with an AuthenticationError when no token is
// configured. Reporter connections use it.
func RequireAuth() PushOption {
	return func(c *PushChannel) { c.requireAuth = true }
}

// WithPushLogger sets the channel logger.
func WithPushLogger(l logrus.FieldLogger) PushOption {
	return func(c *PushChannel) { c.log = l }
}

// NewPushChannel creates an unopened channel for the ws:// or wss:// url.
func NewPushChannel(url string, opts ...PushOption) *PushChannel {
	c := &PushChannel{
		id:     "push-" + uuid.NewString(),
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *PushChannel) ID() string   { return c.id }
func (c *PushChannel) Kind() string { return KindPush }

// Open dials the server and, when a token is configured, waits for the
// server to acknowledge it. Cancelling ctx aborts both steps.
func (c *PushChannel) Open(ctx context.Context) error {
	if c.requireAuth && c.token == "" {
		return &AuthenticationError{Channel: c.id, Reason: "no credentials configured"}
	}

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthenticationError{Channel: c.id, Reason: resp.Status, Err: err}
		}
		return &ConnectionError{Channel: c.id, Err: err}
	}

	if c.token != "" {
		if err := c.handshake(ctx, conn); err != nil {
			_ = conn.Close()
			return err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Channel: c.id, Err: errors.New("closed while opening")}
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *PushChannel) handshake(ctx context.Context, conn *websocket.Conn) error {
	// Closing the socket is the only way to unblock a pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(Envelope{Type: TypeAuth, Token: c.token}); err != nil {
		return c.handshakeErr(ctx, err)
	}

	var reply Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return c.handshakeErr(ctx, err)
	}

	switch reply.Type {
	case TypeAuthOK:
		return nil
	case TypeAuthError:
		return &AuthenticationError{Channel: c.id, Reason: reply.Reason}
	default:
		return &ConnectionError{Channel: c.id, Err: fmt.Errorf("unexpected %q during handshake", reply.Type)}
	}
}

func (c *PushChannel) handshakeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &ConnectionError{Channel: c.id, Err: ctx.Err()}
	}
	return &ConnectionError{Channel: c.id, Err: err}
}

func (c *PushChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.conn = nil
			c.mu.Unlock()
			if !closed {
				c.report(Status{State: StateDisconnected, Err: &ConnectionError{Channel: c.id, Err: err}, Channel: c.id, Since: time.Now()})
			}
			return
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			c.log.WithField("channel", c.id).WithError(err).Debug("dropping undecodable frame")
			continue
		}
		if env.IsControl() {
			continue
		}
		msg, err := env.Message()
		if err != nil {
			c.log.WithField("channel", c.id).WithError(err).Debug("dropping unknown envelope")
			continue
		}
		msg.Channel = c.id
		c.emit(msg)
	}
}

// Send writes env as a text frame.
func (c *PushChannel) Send(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return &ConnectionError{Channel: c.id, Err: err}
	}
	return nil
}

// Close shuts the socket. The read loop exits without reporting a drop.
func (c *PushChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
