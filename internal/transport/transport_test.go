package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/feed"
)

// ---------------------------------------------------------------------------
// Envelope codec
// ---------------------------------------------------------------------------

func TestEnvelope_LocationUpdate(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"location-update","data":{"vehicleId":"B1","latitude":23.02,"longitude":72.57,"timestamp":"2024-05-01T10:00:00Z"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, err := env.Message()
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Kind != MessageLocationUpdate || msg.Sample == nil || msg.VehicleID() != "B1" {
		t.Errorf("msg = %+v, want location-update for B1", msg)
	}

	back, err := NewEnvelope(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if back.Type != "location-update" || !strings.Contains(string(back.Data), `"vehicleId":"B1"`) {
		t.Errorf("re-encoded = %s %s", back.Type, back.Data)
	}
}

func TestEnvelope_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"teleport","data":{}}`},
		{"missing data", `{"type":"approach-notice"}`},
		{"bad payload", `{"type":"reporter-connected","data":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, err := env.Message(); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := DecodeEnvelope([]byte(`{"data":{}}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType for missing type", err)
	}
}

func TestEnvelope_ControlFrames(t *testing.T) {
	for _, typ := range []string{TypeAuth, TypeAuthOK, TypeAuthError, TypeViewport} {
		if !(Envelope{Type: typ}).IsControl() {
			t.Errorf("%s not recognised as control", typ)
		}
	}
	if (Envelope{Type: string(MessageApproachNotice)}).IsControl() {
		t.Error("approach-notice treated as control")
	}
}

// ---------------------------------------------------------------------------
// PushChannel
// ---------------------------------------------------------------------------

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsServer runs fn for every accepted connection.
func wsServer(t *testing.T, fn func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPushChannel_HandshakeAndReceive(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var auth Envelope
		if err := conn.ReadJSON(&auth); err != nil || auth.Type != TypeAuth || auth.Token != "tok" {
			_ = conn.WriteJSON(Envelope{Type: TypeAuthError, Reason: "bad token"})
			return
		}
		_ = conn.WriteJSON(Envelope{Type: TypeAuthOK})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"reporter-disconnected","data":{"vehicleId":"B3"}}`))
		// Hold the socket open until the client goes away.
		_, _, _ = conn.ReadMessage()
	})

	ch := NewPushChannel(url, WithToken("tok"))
	got := make(chan Message, 1)
	ch.OnMessage(func(m Message) { got <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	select {
	case m := <-got:
		if m.Kind != MessageReporterDisconnected || m.Reporter.VehicleID != "B3" || m.Channel != ch.ID() {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestPushChannel_AuthRejected(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var auth Envelope
		_ = conn.ReadJSON(&auth)
		_ = conn.WriteJSON(Envelope{Type: TypeAuthError, Reason: "expired"})
	})

	err := NewPushChannel(url, WithToken("old")).Open(context.Background())
	var ae *AuthenticationError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AuthenticationError", err)
	}
	if ae.Reason != "expired" {
		t.Errorf("reason = %q, want expired", ae.Reason)
	}
}

func TestPushChannel_RequireAuthWithoutToken(t *testing.T) {
	err := NewPushChannel("ws://127.0.0.1:1/ws", RequireAuth()).Open(context.Background())
	if !IsAuthentication(err) {
		t.Errorf("err = %v, want authentication error", err)
	}
}

func TestPushChannel_ReportsDrop(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		// Drop immediately without a close frame.
		_ = conn.UnderlyingConn().Close()
	})

	ch := NewPushChannel(url)
	statuses := make(chan Status, 1)
	ch.OnStatus(func(s Status) { statuses <- s })

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	select {
	case s := <-statuses:
		var ce *ConnectionError
		if s.State != StateDisconnected || !errors.As(s.Err, &ce) {
			t.Errorf("status = %+v, want disconnected with ConnectionError", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drop not reported")
	}
}

func TestPushChannel_OpenHonoursContext(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		// Never answer the handshake.
		time.Sleep(500 * time.Millisecond)
		conn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewPushChannel(url, WithToken("tok")).Open(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestPushChannel_SendWhenClosed(t *testing.T) {
	if err := NewPushChannel("ws://example.invalid").Send(Envelope{Type: TypeAuth}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

// ---------------------------------------------------------------------------
// PollChannel
// ---------------------------------------------------------------------------

func TestPollChannel_EmitsSamplesAndReportsFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) > 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"vehicleId":"B1","latitude":23.02,"longitude":72.57,"timestamp":"2024-05-01T10:00:00Z"}]`))
	}))
	defer srv.Close()

	ch := NewPollChannel(srv.URL, feed.NewFetcher(time.Second, ""), feed.DecodeJSON, 10*time.Millisecond)
	msgs := make(chan Message, 10)
	statuses := make(chan Status, 1)
	ch.OnMessage(func(m Message) { msgs <- m })
	ch.OnStatus(func(s Status) { statuses <- s })

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	m := <-msgs
	if m.Kind != MessageLocationUpdate || m.Sample.VehicleID != "B1" {
		t.Errorf("message = %+v", m)
	}

	select {
	case s := <-statuses:
		if s.State != StateDisconnected || s.Err == nil {
			t.Errorf("status = %+v, want disconnected with error", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}

func TestPollChannel_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ch := NewPollChannel(srv.URL, feed.NewFetcher(time.Second, "bad"), feed.DecodeJSON, time.Second)
	if err := ch.Open(context.Background()); !IsAuthentication(err) {
		t.Errorf("err = %v, want authentication error", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("close after failed open: %v", err)
	}
}

func TestIsNATSAuthError(t *testing.T) {
	if !isNATSAuthError(errors.New("nats: Authorization Violation")) {
		t.Error("server auth text not recognised")
	}
	if isNATSAuthError(errors.New("nats: no servers available for connection")) {
		t.Error("connectivity error treated as auth failure")
	}
}
