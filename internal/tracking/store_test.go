package tracking

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/events"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func raw(id string, lat, lon float64, ts time.Time) location.RawSample {
	return location.RawSample{
		VehicleID: id,
		Latitude:  f64(lat),
		Longitude: f64(lon),
		Timestamp: location.TimeValue(ts.Format(time.RFC3339Nano)),
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// recorder subscribes to every event and exposes them over a channel.
type recorder struct {
	ch chan events.Event
}

func newRecorder(d *events.Distributor) *recorder {
	r := &recorder{ch: make(chan events.Event, 64)}
	d.Subscribe(func(ev events.Event) { r.ch <- ev })
	return r
}

func (r *recorder) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return events.Event{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s for %s", ev.Kind, ev.VehicleID)
	case <-time.After(30 * time.Millisecond):
	}
}

func newTestStore(t *testing.T) (*Store, *recorder) {
	t.Helper()
	d := events.New()
	t.Cleanup(d.Close)
	rec := newRecorder(d)
	s := NewStore(d, WithLogger(quietLogger()), withClock(func() time.Time { return t0 }))
	return s, rec
}

func TestStore_FirstSampleThenMovement(t *testing.T) {
	s, rec := newTestStore(t)

	assert.Equal(t, OutcomeCreated, s.Upsert(raw("B1", 23.0225, 72.5714, t0)))
	ev := rec.next(t)
	assert.Equal(t, events.KindVehicleUpdated, ev.Kind)
	assert.Equal(t, "B1", ev.VehicleID)

	assert.Equal(t, OutcomeUpdated, s.Upsert(raw("B1", 23.0226, 72.5715, t0.Add(5*time.Second))))
	ev = rec.next(t)
	state := ev.Payload.(VehicleState)
	assert.Equal(t, 23.0226, state.Last.Latitude)
	require.NotNil(t, state.Previous)
	assert.Equal(t, 23.0225, state.Previous.Latitude)

	require.NotNil(t, state.Speed)
	assert.True(t, state.SpeedDerived)
	assert.InDelta(t, 10.9, *state.Speed, 0.5, "derived speed km/h")
}

func TestStore_NoiseSuppressed(t *testing.T) {
	s, rec := newTestStore(t)

	s.Upsert(raw("B1", 23.0225, 72.5714, t0))
	rec.next(t)

	// ~3 m away and one second later.
	assert.Equal(t, OutcomeNoise, s.Upsert(raw("B1", 23.02252, 72.5714, t0.Add(time.Second))))
	rec.none(t)

	v, ok := s.Get("B1")
	require.True(t, ok)
	assert.Equal(t, 23.0225, v.Last.Latitude)
}

func TestStore_RejectsInvalidSample(t *testing.T) {
	s, rec := newTestStore(t)

	assert.Equal(t, OutcomeRejected, s.Upsert(raw("B9", 95.0, 72.0, t0)))
	ev := rec.next(t)
	assert.Equal(t, events.KindSampleRejected, ev.Kind)

	_, ok := s.Get("B9")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(1), s.Stats().Rejected)
}

func TestStore_DuplicateAcrossChannelsAppliedOnce(t *testing.T) {
	s, rec := newTestStore(t)

	sample := raw("B1", 23.0225, 72.5714, t0)
	assert.Equal(t, OutcomeCreated, s.Upsert(sample))
	assert.Equal(t, OutcomeDuplicate, s.Upsert(sample))
	rec.next(t)
	rec.none(t)
}

func TestStore_OlderSampleIgnored(t *testing.T) {
	s, _ := newTestStore(t)

	s.Upsert(raw("B1", 23.0225, 72.5714, t0.Add(10*time.Second)))
	assert.Equal(t, OutcomeStale, s.Upsert(raw("B1", 23.5, 72.9, t0)))

	v, _ := s.Get("B1")
	assert.Equal(t, 23.0225, v.Last.Latitude)
}

func TestStore_RemoveOnDisconnect(t *testing.T) {
	s, rec := newTestStore(t)

	s.Upsert(raw("B3", 23.0, 72.5, t0))
	rec.next(t)

	assert.True(t, s.Remove("B3", ReasonDisconnected))
	ev := rec.next(t)
	assert.Equal(t, events.KindVehicleRemoved, ev.Kind)
	assert.Equal(t, Removal{VehicleID: "B3", Reason: ReasonDisconnected}, ev.Payload)

	assert.Empty(t, s.GetAll())

	// Removing again is a silent no-op.
	assert.False(t, s.Remove("B3", ReasonDisconnected))
	rec.none(t)
}

func TestStore_LateDuplicateAfterRemoveStaysRemoved(t *testing.T) {
	s, rec := newTestStore(t)

	last := raw("B3", 23.0, 72.5, t0)
	s.Upsert(last)
	rec.next(t)
	require.True(t, s.Remove("B3", ReasonDisconnected))
	rec.next(t)

	// The same sample arriving late on a redundant channel, or an older one.
	assert.Equal(t, OutcomeStale, s.Upsert(last))
	assert.Equal(t, OutcomeStale, s.Upsert(raw("B3", 23.1, 72.6, t0.Add(-time.Second))))
	rec.none(t)
	assert.Equal(t, 0, s.Len())

	// A genuinely newer sample brings the vehicle back.
	assert.Equal(t, OutcomeCreated, s.Upsert(raw("B3", 23.0, 72.5, t0.Add(time.Second))))
	assert.Equal(t, 1, s.Len())
}

func TestStore_RemovalMemoryExpires(t *testing.T) {
	now := t0
	d := events.New()
	defer d.Close()
	s := NewStore(d, WithLogger(quietLogger()), WithRemovalMemory(time.Minute),
		withClock(func() time.Time { return now }))

	last := raw("B3", 23.0, 72.5, t0)
	s.Upsert(last)
	s.Remove("B3", ReasonDisconnected)
	assert.Equal(t, OutcomeStale, s.Upsert(last))

	now = t0.Add(2 * time.Minute)
	assert.Equal(t, OutcomeCreated, s.Upsert(last))
}

func TestStore_ZeroRemovalMemoryForgets(t *testing.T) {
	d := events.New()
	defer d.Close()
	s := NewStore(d, WithLogger(quietLogger()), WithRemovalMemory(0))

	last := raw("B3", 23.0, 72.5, t0)
	s.Upsert(last)
	s.Remove("B3", ReasonDisconnected)
	assert.Equal(t, OutcomeCreated, s.Upsert(last))
}

func TestStore_ReportedSpeedWins(t *testing.T) {
	s, rec := newTestStore(t)

	s.Upsert(raw("B1", 23.0225, 72.5714, t0))
	rec.next(t)
	next := raw("B1", 23.03, 72.58, t0.Add(10*time.Second))
	next.Speed = f64(42)
	s.Upsert(next)

	state := rec.next(t).Payload.(VehicleState)
	require.NotNil(t, state.Speed)
	assert.Equal(t, 42.0, *state.Speed)
	assert.False(t, state.SpeedDerived)
}

func TestStore_ApplyRejectsUnvalidatedSample(t *testing.T) {
	s, _ := newTestStore(t)

	out, err := s.Apply(location.Sample{VehicleID: "B1", Latitude: 123, Timestamp: t0})
	assert.True(t, errors.Is(err, location.ErrInvalidSample))
	assert.Equal(t, OutcomeRejected, out)
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	s, _ := newTestStore(t)
	r := raw("B1", 23.0, 72.0, t0)
	r.Speed = f64(10)
	s.Upsert(r)

	v, _ := s.Get("B1")
	*v.Last.Speed = 999

	again, _ := s.Get("B1")
	assert.Equal(t, 10.0, *again.Last.Speed)
}

func TestStore_GetAllSortedByID(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"B3", "B1", "B2"} {
		s.Upsert(raw(id, 23.0, 72.0, t0))
	}

	all := s.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "B1", all[0].ID)
	assert.Equal(t, "B2", all[1].ID)
	assert.Equal(t, "B3", all[2].ID)
}

func TestStore_EvictStale(t *testing.T) {
	now := t0
	d := events.New()
	defer d.Close()
	s := NewStore(d, WithLogger(quietLogger()), withClock(func() time.Time { return now }))

	s.Upsert(raw("B1", 23.0, 72.0, t0))
	now = t0.Add(time.Minute)
	s.Upsert(raw("B2", 23.0, 72.0, t0))

	assert.Nil(t, s.EvictStale(now, 0), "zero max age disables eviction")

	evicted := s.EvictStale(now.Add(30*time.Second), 45*time.Second)
	assert.Equal(t, []string{"B1"}, evicted)
	assert.Equal(t, 1, s.Len())
}

func TestVehicleState_ConnectionAge(t *testing.T) {
	v := VehicleState{FirstSeenAt: t0}
	assert.Equal(t, 90*time.Second, v.ConnectionAge(t0.Add(90*time.Second)))
}
