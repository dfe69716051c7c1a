package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/events"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/middleware"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/service"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/spatial"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracker"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracking"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// Envelope types sent to viewers.
const (
	TypeHello      = "hello"
	TypeFrame      = "frame"
	TypeArrival    = "arrival"
	TypeConnection = "connection-status"
	TypeError      = "error"
)

const (
	writeWait       = 10 * time.Second
	maxMessageBytes = 64 << 10
)

var errAuthFailed = errors.New("handler: websocket auth failed")

// Hub serves the WebSocket endpoints.
type Hub struct {
	store       VehicleReader
	dist        *events.Distributor
	ingest      Ingest
	auth        middleware.TokenValidator
	upstream    tracker.StatusSource
	engineOpts  []spatial.EngineOption
	authTimeout time.Duration
	log         logrus.FieldLogger
	upgrader    websocket.Upgrader
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l logrus.FieldLogger) HubOption {
	return func(h *Hub) { h.log = l }
}

// WithHubUpstream includes the upstream connection state in viewer hellos.
func WithHubUpstream(s tracker.StatusSource) HubOption {
	return func(h *Hub) { h.upstream = s }
}

// WithEngineOptions configures the per-viewer spatial engines.
func WithEngineOptions(opts ...spatial.EngineOption) HubOption {
	return func(h *Hub) { h.engineOpts = opts }
}

// WithAuthTimeout bounds how long a client may take to authenticate.
func WithAuthTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.authTimeout = d }
}

// NewHub creates a Hub.
func NewHub(store VehicleReader, dist *events.Distributor, ingest Ingest, auth middleware.TokenValidator, opts ...HubOption) *Hub {
	h := &Hub{
		store:       store,
		dist:        dist,
		ingest:      ingest,
		auth:        auth,
		authTimeout: 10 * time.Second,
		log:         logrus.StandardLogger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// wsConn serializes writes to one socket.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxMessageBytes)
	return &wsConn{conn: conn}
}

func (w *wsConn) send(env transport.Envelope) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(env)
}

func (w *wsConn) sendData(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.send(transport.Envelope{Type: typ, Data: data})
}

func (w *wsConn) close() {
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
		_ = w.conn.Close()
	})
}

// checkHeader rejects a bad Authorization header before the upgrade, so the
// client sees a plain 401. It reports whether a header was present.
func (h *Hub) checkHeader(c *gin.Context, roles ...string) (present, ok bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return false, true
	}
	token, valid := middleware.BearerToken(header)
	if !valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format; expected 'Bearer <token>'"})
		return true, false
	}
	claims, err := h.auth.ValidateAccessToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return true, false
	}
	if !roleAllowed(claims.Role, roles) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return true, false
	}
	return true, true
}

// awaitAuth reads the auth envelope and answers it. On failure the client
// has been told why and the caller should close the socket.
func (h *Hub) awaitAuth(ws *wsConn, roles ...string) (*service.ReporterClaims, error) {
	_ = ws.conn.SetReadDeadline(time.Now().Add(h.authTimeout))
	defer func() { _ = ws.conn.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	reject := func(reason string) (*service.ReporterClaims, error) {
		_ = ws.send(transport.Envelope{Type: transport.TypeAuthError, Reason: reason})
		return nil, errAuthFailed
	}

	env, err := transport.DecodeEnvelope(data)
	if err != nil || env.Type != transport.TypeAuth {
		return reject("expected auth")
	}
	claims, err := h.auth.ValidateAccessToken(env.Token)
	if err != nil {
		return reject("invalid or expired token")
	}
	if !roleAllowed(claims.Role, roles) {
		return reject("insufficient permissions")
	}
	if err := ws.send(transport.Envelope{Type: transport.TypeAuthOK}); err != nil {
		return nil, err
	}
	return claims, nil
}

func roleAllowed(role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Reporter
// ---------------------------------------------------------------------------

// Reporter handles GET /ws/reporter. The first frame must be an auth envelope
// carrying a reporter token; every event after it is attributed to the
// token's vehicle. Closing the socket counts as reporter-disconnected.
func (h *Hub) Reporter(c *gin.Context) {
	if _, ok := h.checkHeader(c, service.RoleReporter); !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("reporter upgrade failed")
		return
	}
	ws := newWSConn(conn)
	defer ws.close()

	claims, err := h.awaitAuth(ws, service.RoleReporter)
	if err != nil {
		h.log.WithError(err).Info("reporter rejected")
		return
	}

	channelID := "ws-reporter-" + uuid.NewString()
	reporter := transport.ReporterEvent{VehicleID: claims.VehicleID, DriverID: claims.DriverID}
	log := h.log.WithField("vehicle_id", reporter.VehicleID).WithField("channel", channelID)

	h.ingest.Submit(transport.Message{Kind: transport.MessageReporterConnected, Reporter: &reporter, Channel: channelID})
	defer func() {
		gone := reporter
		h.ingest.Submit(transport.Message{Kind: transport.MessageReporterDisconnected, Reporter: &gone, Channel: channelID})
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Info("reporter dropped")
			}
			return
		}

		env, err := transport.DecodeEnvelope(data)
		if err != nil || env.IsControl() {
			continue
		}
		msg, err := env.Message()
		if err != nil {
			log.WithError(err).Debug("dropping unknown envelope")
			continue
		}
		if !h.bindToVehicle(&msg, reporter) {
			log.WithField("claimed", msg.VehicleID()).Warn("dropping event for another vehicle")
			continue
		}
		if msg.Kind == transport.MessageReporterDisconnected {
			return
		}
		if msg.Kind == transport.MessageReporterConnected {
			continue
		}
		msg.Channel = channelID
		h.ingest.Submit(msg)
	}
}

// bindToVehicle fills in the authenticated vehicle and reports whether msg
// refers to it.
func (h *Hub) bindToVehicle(msg *transport.Message, r transport.ReporterEvent) bool {
	switch {
	case msg.Sample != nil:
		if msg.Sample.VehicleID == "" {
			msg.Sample.VehicleID = r.VehicleID
		}
		if msg.Sample.DriverID == nil && r.DriverID != "" {
			id := r.DriverID
			msg.Sample.DriverID = &id
		}
	case msg.Approach != nil:
		if msg.Approach.VehicleID == "" {
			msg.Approach.VehicleID = r.VehicleID
		}
	case msg.Reporter != nil:
		if msg.Reporter.VehicleID == "" {
			msg.Reporter.VehicleID = r.VehicleID
		}
	}
	return msg.VehicleID() == r.VehicleID
}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

// Feed handles GET /ws/feed: a stream of envelopes mirroring every accepted
// change, starting with a snapshot. Another tracker instance consumes it
// through a push channel. A client that sends an Authorization header must
// complete the auth handshake before the stream starts.
func (h *Hub) Feed(c *gin.Context) {
	withAuth, ok := h.checkHeader(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("feed upgrade failed")
		return
	}
	ws := newWSConn(conn)
	defer ws.close()

	if withAuth {
		if _, err := h.awaitAuth(ws); err != nil {
			return
		}
	}

	sub := h.dist.Subscribe(func(ev events.Event) {
		env, ok := feedEnvelope(ev)
		if !ok {
			return
		}
		if err := ws.send(env); err != nil {
			ws.close()
		}
	}, events.KindVehicleUpdated, events.KindVehicleRemoved, events.KindArrival)
	defer sub.Unsubscribe()

	// Updates racing the snapshot are older or newer than it; the consumer's
	// store drops whichever arrives out of order.
	for _, v := range h.store.GetAll() {
		env, _ := feedEnvelope(events.Event{Kind: events.KindVehicleUpdated, VehicleID: v.ID, Payload: v})
		if err := ws.send(env); err != nil {
			return
		}
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// feedEnvelope converts a distributor event into its wire form.
func feedEnvelope(ev events.Event) (transport.Envelope, bool) {
	var msg transport.Message
	switch ev.Kind {
	case events.KindVehicleUpdated:
		v, ok := ev.Payload.(tracking.VehicleState)
		if !ok {
			return transport.Envelope{}, false
		}
		raw := v.Last.Raw()
		msg = transport.Message{Kind: transport.MessageLocationUpdate, Sample: &raw}
	case events.KindVehicleRemoved:
		msg = transport.Message{Kind: transport.MessageReporterDisconnected, Reporter: &transport.ReporterEvent{VehicleID: ev.VehicleID}}
	case events.KindArrival:
		a, ok := ev.Payload.(tracker.Arrival)
		if !ok {
			return transport.Envelope{}, false
		}
		msg = transport.Message{Kind: transport.MessageApproachNotice, Approach: &transport.ApproachNotice{
			VehicleID: a.VehicleID,
			StopID:    a.StopID,
			RouteID:   a.RouteID,
			ETA:       a.ETA,
			Location:  a.Location,
			Timestamp: location.TimeValue(a.At.UTC().Format(time.RFC3339Nano)),
		}}
	default:
		return transport.Envelope{}, false
	}
	env, err := transport.NewEnvelope(msg)
	return env, err == nil
}

// ---------------------------------------------------------------------------
// Viewer
// ---------------------------------------------------------------------------

// Viewer handles GET /ws/viewer. The client sends viewport envelopes and
// receives render frames for that viewport, arrival notices and upstream
// connection changes.
func (h *Hub) Viewer(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("viewer upgrade failed")
		return
	}
	ws := newWSConn(conn)
	defer ws.close()

	session := uuid.NewString()
	log := h.log.WithField("session", session)
	log.Debug("viewer connected")
	defer log.Debug("viewer disconnected")

	hello := gin.H{"session": session}
	if h.upstream != nil {
		hello["connection"] = newStatusView(h.upstream.State())
	}
	if err := ws.sendData(TypeHello, hello); err != nil {
		return
	}

	engine := spatial.NewEngine(h.store, h.engineOpts...)
	engine.OnFrame(func(f spatial.Frame) {
		if err := ws.sendData(TypeFrame, f); err != nil {
			ws.close()
		}
	})
	engine.Attach(h.dist)
	defer engine.Detach()

	sub := h.dist.Subscribe(func(ev events.Event) {
		var err error
		switch ev.Kind {
		case events.KindArrival:
			err = ws.sendData(TypeArrival, ev.Payload)
		case events.KindConnectionStatus:
			if st, ok := ev.Payload.(transport.Status); ok {
				err = ws.sendData(TypeConnection, newStatusView(st))
			}
		}
		if err != nil {
			ws.close()
		}
	}, events.KindArrival, events.KindConnectionStatus)
	defer sub.Unsubscribe()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := transport.DecodeEnvelope(data)
		if err != nil || env.Type != transport.TypeViewport {
			_ = ws.send(transport.Envelope{Type: TypeError, Reason: "expected viewport"})
			continue
		}
		var vp spatial.Viewport
		if err := json.Unmarshal(env.Data, &vp); err != nil || !vp.Bounds.Valid() || vp.Zoom < 0 || vp.Zoom > 22 {
			_ = ws.send(transport.Envelope{Type: TypeError, Reason: "invalid viewport"})
			continue
		}

		// Empty frames are not delivered through OnFrame; send them anyway
		// so the client knows the viewport was applied.
		if f := engine.SetViewport(vp); f.Empty() {
			_ = ws.sendData(TypeFrame, f)
		}
	}
}
