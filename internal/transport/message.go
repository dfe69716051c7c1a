package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
)

// MessageKind is an inbound event type.
type MessageKind string

// Inbound event kinds.
const (
	MessageLocationUpdate       MessageKind = "location-update"
	MessageReporterConnected    MessageKind = "reporter-connected"
	MessageReporterDisconnected MessageKind = "reporter-disconnected"
	MessageApproachNotice       MessageKind = "approach-notice"
)

// Control envelope types exchanged outside the event stream.
const (
	TypeAuth      = "auth"
	TypeAuthOK    = "auth-ok"
	TypeAuthError = "auth-error"
	TypeViewport  = "viewport"
)

// ReporterEvent is the payload of reporter-connected and reporter-disconnected.
type ReporterEvent struct {
	VehicleID string `json:"vehicleId"`
	DriverID  string `json:"driverId,omitempty"`
}

// ApproachNotice announces that a vehicle is about to reach a stop.
type ApproachNotice struct {
	VehicleID string             `json:"vehicleId"`
	StopID    string             `json:"stopId,omitempty"`
	RouteID   string             `json:"routeId,omitempty"`
	ETA       *float64           `json:"eta,omitempty"` // minutes
	Location  *geo.Point         `json:"location,omitempty"`
	Timestamp location.TimeValue `json:"timestamp,omitempty"`
}

// Message is one decoded inbound event. Exactly one payload pointer is set,
// matching Kind.
type Message struct {
	Kind     MessageKind
	Sample   *location.RawSample
	Reporter *ReporterEvent
	Approach *ApproachNotice
	Channel  string // id of the channel that delivered it
}

// VehicleID returns the vehicle the message refers to.
func (m Message) VehicleID() string {
	switch {
	case m.Sample != nil:
		return m.Sample.VehicleID
	case m.Reporter != nil:
		return m.Reporter.VehicleID
	case m.Approach != nil:
		return m.Approach.VehicleID
	}
	return ""
}

// Envelope is the JSON frame used on every channel:
//
//	{"type": "location-update", "data": {...}}
//	{"type": "auth", "token": "..."}
type Envelope struct {
	Type   string          `json:"type"`
	Token  string          `json:"token,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ErrUnknownType is returned for envelopes that carry no known event kind.
var ErrUnknownType = errors.New("transport: unknown envelope type")

// IsControl reports whether the envelope is a control frame rather than an
// event.
func (e Envelope) IsControl() bool {
	switch e.Type {
	case TypeAuth, TypeAuthOK, TypeAuthError, TypeViewport:
		return true
	}
	return false
}

// Message decodes the envelope payload.
func (e Envelope) Message() (Message, error) {
	msg := Message{Kind: MessageKind(e.Type)}
	var target any
	switch msg.Kind {
	case MessageLocationUpdate:
		msg.Sample = &location.RawSample{}
		target = msg.Sample
	case MessageReporterConnected, MessageReporterDisconnected:
		msg.Reporter = &ReporterEvent{}
		target = msg.Reporter
	case MessageApproachNotice:
		msg.Approach = &ApproachNotice{}
		target = msg.Approach
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if len(e.Data) == 0 {
		return Message{}, fmt.Errorf("transport: %s envelope without data", e.Type)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return Message{}, fmt.Errorf("transport: decode %s: %w", e.Type, err)
	}
	return msg, nil
}

// NewEnvelope encodes m for the wire.
func NewEnvelope(m Message) (Envelope, error) {
	var payload any
	switch m.Kind {
	case MessageLocationUpdate:
		payload = m.Sample
	case MessageReporterConnected, MessageReporterDisconnected:
		payload = m.Reporter
	case MessageApproachNotice:
		payload = m.Approach
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: encode %s: %w", m.Kind, err)
	}
	return Envelope{Type: string(m.Kind), Data: data}, nil
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrUnknownType)
	}
	return env, nil
}
