// Package transport defines the Channel abstraction over the delivery
// mechanisms the tracker speaks (WebSocket push, HTTP polling and a NATS
// broker) together with the wire envelope they share.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a channel or of the connection as a whole.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("transport: unknown state %q", text)
}

// Status is a state transition report.
type Status struct {
	State   State
	Err     error
	Channel string
	Attempt int // consecutive failed opens since the last successful one
	Since   time.Time
}

// ConnectionError is a recoverable transport failure; the manager retries it.
type ConnectionError struct {
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: channel %s: connection failed: %v", e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is an explicit credential rejection. It is never
// retried automatically.
type AuthenticationError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transport: channel %s: authentication rejected: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("transport: channel %s: authentication rejected: %v", e.Channel, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// StuckConnectionError reports an open attempt that exceeded its deadline.
type StuckConnectionError struct {
	Channel string
	Timeout time.Duration
}

func (e *StuckConnectionError) Error() string {
	return fmt.Sprintf("transport: channel %s: still connecting after %s", e.Channel, e.Timeout)
}

// IsAuthentication reports whether err carries an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// ErrNotConnected is returned by Send on a channel that is not open.
var ErrNotConnected = errors.New("transport: channel not connected")
