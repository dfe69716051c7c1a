package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/events"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracking"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func f64(v float64) *float64 { return &v }

func sample(id string, lat, lon float64, ts string) *location.RawSample {
	return &location.RawSample{
		VehicleID: id,
		Latitude:  f64(lat),
		Longitude: f64(lon),
		Timestamp: location.TimeValue(ts),
	}
}

type stubRoster struct {
	mu      sync.Mutex
	samples []location.RawSample
	err     error
	calls   int
}

func (s *stubRoster) Roster(context.Context) ([]location.RawSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.samples, s.err
}

func (s *stubRoster) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeManager struct {
	state     transport.State
	onMessage func(transport.Message)
	onAttempt func(transport.Status)
}

func (f *fakeManager) State() transport.Status { return transport.Status{State: f.state} }
func (f *fakeManager) Channels() []transport.Status { return nil }
func (f *fakeManager) OnMessage(fn func(transport.Message)) { f.onMessage = fn }
func (f *fakeManager) OnAttempt(fn func(transport.Status)) { f.onAttempt = fn }

type harness struct {
	store   *tracking.Store
	dist    *events.Distributor
	tracker *Tracker
	cancel  context.CancelFunc
	done    chan struct{}
}

func start(t *testing.T, opts Options, options ...Option) *harness {
	t.Helper()
	dist := events.New()
	store := tracking.NewStore(dist, tracking.WithLogger(quietLogger()))
	options = append([]Option{WithLogger(quietLogger())}, options...)
	tr := New(store, dist, opts, options...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{store: store, dist: dist, tracker: tr, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		_ = tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
		dist.Close()
	})
	return h
}

func testOptions() Options {
	return Options{
		ColdStartGrace: time.Hour,
		RetryBudget:    3,
		RosterTimeout:  time.Second,
	}
}

// ---------------------------------------------------------------------------
// Event routing
// ---------------------------------------------------------------------------

func TestTracker_LocationUpdateReachesStore(t *testing.T) {
	h := start(t, testOptions())

	h.tracker.Submit(transport.Message{
		Kind:    transport.MessageLocationUpdate,
		Sample:  sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z"),
		Channel: "push-0",
	})

	require.Eventually(t, func() bool { return h.store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	v, ok := h.store.Get("B1")
	require.True(t, ok)
	assert.InDelta(t, 23.02, v.Last.Latitude, 1e-9)
}

func TestTracker_AppliesInArrivalOrder(t *testing.T) {
	h := start(t, testOptions())

	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("B1", 23.00, 72.50, "2024-05-01T10:00:00Z")})
	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("B1", 23.10, 72.60, "2024-05-01T10:01:00Z")})

	require.Eventually(t, func() bool {
		v, ok := h.store.Get("B1")
		return ok && v.Previous != nil
	}, 2*time.Second, 5*time.Millisecond)
	v, _ := h.store.Get("B1")
	assert.InDelta(t, 23.10, v.Last.Latitude, 1e-9)
	assert.InDelta(t, 23.00, v.Previous.Latitude, 1e-9)
}

func TestTracker_ReporterDisconnectRemovesVehicle(t *testing.T) {
	h := start(t, testOptions())
	removed := make(chan events.Event, 1)
	h.dist.Subscribe(func(ev events.Event) { removed <- ev }, events.KindVehicleRemoved)

	h.tracker.Submit(transport.Message{Kind: transport.MessageReporterConnected, Reporter: &transport.ReporterEvent{VehicleID: "B1", DriverID: "7"}})
	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z")})

	require.Eventually(t, func() bool { return len(h.tracker.Expected()) == 1 && h.store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "7", h.tracker.Expected()[0].DriverID)

	h.tracker.Submit(transport.Message{Kind: transport.MessageReporterDisconnected, Reporter: &transport.ReporterEvent{VehicleID: "B1"}})

	select {
	case ev := <-removed:
		assert.Equal(t, "B1", ev.VehicleID)
		rm, ok := ev.Payload.(tracking.Removal)
		require.True(t, ok)
		assert.Equal(t, tracking.ReasonDisconnected, rm.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no removal event")
	}
	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.tracker.Expected())
}

// settle submits a marker sample and waits until the loop has applied it, so
// every message submitted before it has been handled.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("ZZ-settle", 0, 0, time.Now().UTC().Format(time.RFC3339Nano))})
	require.Eventually(t, func() bool {
		_, ok := h.store.Get("ZZ-settle")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	h.store.Remove("ZZ-settle", tracking.ReasonDisconnected)
}

func connected(vehicleID, channel string) transport.Message {
	return transport.Message{Kind: transport.MessageReporterConnected, Reporter: &transport.ReporterEvent{VehicleID: vehicleID}, Channel: channel}
}

func disconnected(vehicleID, channel string) transport.Message {
	return transport.Message{Kind: transport.MessageReporterDisconnected, Reporter: &transport.ReporterEvent{VehicleID: vehicleID}, Channel: channel}
}

func TestTracker_ReconnectedReporterSurvivesOldSocketClose(t *testing.T) {
	h := start(t, testOptions())

	h.tracker.Submit(connected("B1", "ws-old"))
	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z"), Channel: "ws-old"})
	h.tracker.Submit(connected("B1", "ws-new"))
	h.tracker.Submit(disconnected("B1", "ws-old"))
	h.settle(t)

	_, ok := h.store.Get("B1")
	assert.True(t, ok, "vehicle removed while its new socket is open")
	require.Len(t, h.tracker.Expected(), 1)
	assert.Equal(t, "B1", h.tracker.Expected()[0].VehicleID)

	h.tracker.Submit(disconnected("B1", "ws-new"))
	require.Eventually(t, func() bool {
		_, ok := h.store.Get("B1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.tracker.Expected())
}

func TestTracker_DisconnectFromOtherChannelIgnoredWhileReporterOpen(t *testing.T) {
	h := start(t, testOptions())

	h.tracker.Submit(connected("B1", "ws-1"))
	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z")})
	h.tracker.Submit(disconnected("B1", "broker-b"))
	h.settle(t)

	_, ok := h.store.Get("B1")
	assert.True(t, ok)
}

func TestTracker_LateRedundantSampleAfterDisconnect(t *testing.T) {
	h := start(t, testOptions())

	last := sample("B3", 23.02, 72.57, "2024-05-01T10:00:00Z")
	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: last, Channel: "push-a"})
	h.tracker.Submit(disconnected("B3", "push-a"))
	dup := *last
	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: &dup, Channel: "broker-b"})
	h.settle(t)

	_, ok := h.store.Get("B3")
	assert.False(t, ok, "late duplicate recreated a disconnected vehicle")
}

func TestTracker_ArrivalWithoutDistributor(t *testing.T) {
	store := tracking.NewStore(nil, tracking.WithLogger(quietLogger()))
	tr := New(store, nil, testOptions(), WithLogger(quietLogger()))

	assert.NotPanics(t, func() {
		tr.handle(transport.Message{Kind: transport.MessageApproachNotice, Approach: &transport.ApproachNotice{VehicleID: "B1", StopID: "S1"}})
	})
}

func TestTracker_ApproachNoticePublishesArrival(t *testing.T) {
	h := start(t, testOptions())
	got := make(chan events.Event, 1)
	h.dist.Subscribe(func(ev events.Event) { got <- ev }, events.KindArrival)

	h.tracker.Submit(transport.Message{
		Kind: transport.MessageApproachNotice,
		Approach: &transport.ApproachNotice{
			VehicleID: "B1",
			StopID:    "S9",
			ETA:       f64(2),
			Location:  &geo.Point{Lat: 23.03, Lon: 72.58},
			Timestamp: "2024-05-01T10:00:00Z",
		},
	})

	select {
	case ev := <-got:
		a, ok := ev.Payload.(Arrival)
		require.True(t, ok)
		assert.Equal(t, "S9", a.StopID)
		assert.Equal(t, 2.0, *a.ETA)
		require.NotNil(t, a.Location)
		assert.Equal(t, geo.Point{Lat: 23.03, Lon: 72.58}, *a.Location)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), a.At)
	case <-time.After(2 * time.Second):
		t.Fatal("no arrival event")
	}
}

// ---------------------------------------------------------------------------
// Roster fallback
// ---------------------------------------------------------------------------

func TestTracker_ColdStartSeedsFromRoster(t *testing.T) {
	src := &stubRoster{samples: []location.RawSample{
		*sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z"),
		*sample("B2", 23.05, 72.60, "2024-05-01T10:00:00Z"),
	}}
	opts := testOptions()
	opts.ColdStartGrace = 10 * time.Millisecond
	h := start(t, opts, WithRoster(src))

	require.Eventually(t, func() bool { return h.store.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.Calls())
}

func TestTracker_NoColdStartFetchAfterLiveSample(t *testing.T) {
	src := &stubRoster{}
	opts := testOptions()
	opts.ColdStartGrace = 50 * time.Millisecond
	h := start(t, opts, WithRoster(src))

	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z")})

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, src.Calls())
}

func TestTracker_RosterDoesNotOverwriteNewerLiveSample(t *testing.T) {
	src := &stubRoster{samples: []location.RawSample{*sample("B1", 1, 1, "2024-05-01T09:00:00Z")}}
	h := start(t, testOptions(), WithRoster(src))

	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z")})
	require.Eventually(t, func() bool { return h.store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.tracker.RequestRoster("test")
	require.Eventually(t, func() bool { return h.tracker.RosterLoads() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return h.store.Stats().Stale == 1 }, 2*time.Second, 5*time.Millisecond)
	v, _ := h.store.Get("B1")
	assert.InDelta(t, 23.02, v.Last.Latitude, 1e-9)
}

func TestTracker_RetryBudgetTriggersRoster(t *testing.T) {
	src := &stubRoster{samples: []location.RawSample{*sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z")}}
	h := start(t, testOptions(), WithRoster(src))
	m := &fakeManager{state: transport.StateReconnecting}
	h.tracker.Attach(m)
	require.NotNil(t, m.onAttempt)

	m.onAttempt(transport.Status{State: transport.StateReconnecting, Attempt: 2})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, src.Calls())

	m.onAttempt(transport.Status{State: transport.StateReconnecting, Attempt: 3})
	require.Eventually(t, func() bool { return h.store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.Calls())
	assert.Equal(t, m, h.tracker.Upstream())
}

func TestTracker_RosterCooldown(t *testing.T) {
	src := &stubRoster{}
	opts := testOptions()
	opts.RosterCooldown = time.Hour
	h := start(t, opts, WithRoster(src))

	h.tracker.RequestRoster("first")
	require.Eventually(t, func() bool { return h.tracker.RosterLoads() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.tracker.RequestRoster("second")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, src.Calls())
}

func TestTracker_RosterFailureIsNotFatal(t *testing.T) {
	src := &stubRoster{err: errors.New("boom")}
	h := start(t, testOptions(), WithRoster(src))

	h.tracker.RequestRoster("test")
	require.Eventually(t, func() bool { return src.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z")})
	require.Eventually(t, func() bool { return h.store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.tracker.RosterLoads())
}

// ---------------------------------------------------------------------------
// Staleness
// ---------------------------------------------------------------------------

func TestTracker_SweepEvictsStaleVehicles(t *testing.T) {
	opts := testOptions()
	opts.EvictAfter = 20 * time.Millisecond
	opts.SweepInterval = 10 * time.Millisecond
	h := start(t, opts)

	h.tracker.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: sample("B1", 23.02, 72.57, "2024-05-01T10:00:00Z")})
	require.Eventually(t, func() bool { return h.store.Stats().Created == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.store.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
