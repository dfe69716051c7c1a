// Package tracker runs the single event loop that owns the vehicle store.
// Every inbound event, whatever channel delivered it, is queued here and
// applied in arrival order on one goroutine.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/events"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/roster"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracking"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// rosterChannel marks messages that came from a roster fetch rather than a
// live channel.
const rosterChannel = "roster"

// Options tune the loop.
type Options struct {
	// ColdStartGrace is how long to wait for a live sample before seeding
	// from the roster.
	ColdStartGrace time.Duration
	// RetryBudget is the number of consecutive failed reconnects after which
	// the roster is consulted.
	RetryBudget int
	// RosterCooldown is the minimum gap between two roster fetches.
	RosterCooldown time.Duration
	// RosterTimeout bounds one roster fetch.
	RosterTimeout time.Duration
	// EvictAfter removes vehicles silent for longer than this. Zero keeps
	// vehicles until their reporter disconnects.
	EvictAfter time.Duration
	// SweepInterval is how often staleness is checked.
	SweepInterval time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ColdStartGrace: 5 * time.Second,
		RetryBudget:    3,
		RosterCooldown: 30 * time.Second,
		RosterTimeout:  10 * time.Second,
		SweepInterval:  10 * time.Second,
	}
}

// Arrival is the payload of an arrival event.
type Arrival struct {
	VehicleID string     `json:"vehicleId"`
	StopID    string     `json:"stopId,omitempty"`
	RouteID   string     `json:"routeId,omitempty"`
	ETA       *float64   `json:"eta,omitempty"`
	Location  *geo.Point `json:"location,omitempty"`
	At        time.Time  `json:"at"`
}

// StatusSource reports the upstream connection state.
type StatusSource interface {
	State() transport.Status
	Channels() []transport.Status
}

// Tracker routes inbound events into the store.
type Tracker struct {
	store  *tracking.Store
	dist   *events.Distributor
	roster roster.Source
	opts   Options
	log    logrus.FieldLogger
	now    func() time.Time

	inbox     *mailbox
	rosterReq chan string

	mu sync.Mutex

	// expected maps vehicle id to the reporter channels currently open for
	// it, keyed by channel id.
	expected    map[string]map[string]transport.ReporterEvent
	liveSeen    bool
	lastRoster  time.Time
	rosterBusy  bool
	upstream    StatusSource
	rosterLoads int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRoster sets the fallback roster.
func WithRoster(src roster.Source) Option {
	return func(t *Tracker) { t.roster = src }
}

// WithLogger sets the tracker logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Tracker) { t.log = l }
}

// New creates a Tracker writing to store and publishing arrivals on dist.
// dist may be nil, in which case arrivals are dropped.
func New(store *tracking.Store, dist *events.Distributor, opts Options, options ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		dist:      dist,
		opts:      opts,
		log:       logrus.StandardLogger(),
		now:       time.Now,
		inbox:     newMailbox(),
		rosterReq: make(chan string, 1),
		expected:  make(map[string]map[string]transport.ReporterEvent),
	}
	for _, o := range options {
		o(t)
	}
	return t
}

// Manager is the part of connection.Manager the tracker consumes.
type Manager interface {
	StatusSource
	OnMessage(fn func(transport.Message))
	OnAttempt(fn func(transport.Status))
}

// Attach feeds the manager's messages into the loop and consults the roster
// once a channel has failed RetryBudget times in a row while the aggregate is
// not connected.
func (t *Tracker) Attach(m Manager) {
	t.mu.Lock()
	t.upstream = m
	t.mu.Unlock()

	m.OnMessage(t.Submit)
	m.OnAttempt(func(st transport.Status) {
		if t.opts.RetryBudget > 0 && st.Attempt >= t.opts.RetryBudget &&
			m.State().State != transport.StateConnected {
			t.RequestRoster("retry budget exhausted")
		}
	})
}

// Submit queues msg for the loop. It never blocks.
func (t *Tracker) Submit(msg transport.Message) {
	t.inbox.put(msg)
}

// RequestRoster asks the loop to reload the roster, subject to the cooldown.
func (t *Tracker) RequestRoster(reason string) {
	select {
	case t.rosterReq <- reason:
	default:
	}
}

// Run processes events until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	grace := t.opts.ColdStartGrace
	if grace <= 0 {
		grace = time.Nanosecond
	}
	coldStart := time.NewTimer(grace)
	defer coldStart.Stop()

	var sweep <-chan time.Time
	if t.opts.EvictAfter > 0 {
		interval := t.opts.SweepInterval
		if interval <= 0 {
			interval = t.opts.EvictAfter / 2
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.inbox.ready():
			for _, msg := range t.inbox.drain() {
				t.handle(msg)
			}
		case <-coldStart.C:
			t.mu.Lock()
			live := t.liveSeen
			t.mu.Unlock()
			if !live {
				t.loadRoster(ctx, "cold start")
			}
		case reason := <-t.rosterReq:
			t.loadRoster(ctx, reason)
		case now := <-sweep:
			if evicted := t.store.EvictStale(now, t.opts.EvictAfter); len(evicted) > 0 {
				t.log.WithField("vehicles", evicted).Info("evicted stale vehicles")
			}
		}
	}
}

func (t *Tracker) handle(msg transport.Message) {
	log := t.log.WithField("vehicle_id", msg.VehicleID()).WithField("channel", msg.Channel)

	switch msg.Kind {
	case transport.MessageLocationUpdate:
		if msg.Sample == nil {
			return
		}
		if msg.Channel != rosterChannel {
			t.mu.Lock()
			t.liveSeen = true
			t.mu.Unlock()
		}
		out := t.store.Upsert(*msg.Sample)
		log.WithField("outcome", out.String()).Debug("location update")

	case transport.MessageReporterConnected:
		if msg.Reporter == nil {
			return
		}
		t.mu.Lock()
		chans := t.expected[msg.Reporter.VehicleID]
		if chans == nil {
			chans = make(map[string]transport.ReporterEvent)
			t.expected[msg.Reporter.VehicleID] = chans
		}
		chans[msg.Channel] = *msg.Reporter
		t.mu.Unlock()
		log.Info("reporter connected")

	case transport.MessageReporterDisconnected:
		if msg.Reporter == nil {
			return
		}
		if !t.releaseReporter(msg.Reporter.VehicleID, msg.Channel) {
			log.Debug("reporter channel closed; vehicle still reported elsewhere")
			return
		}
		t.store.Remove(msg.Reporter.VehicleID, tracking.ReasonDisconnected)
		log.Info("reporter disconnected")

	case transport.MessageApproachNotice:
		if msg.Approach == nil || msg.Approach.VehicleID == "" || t.dist == nil {
			return
		}
		at := t.now().UTC()
		if msg.Approach.Timestamp != "" {
			if ts, err := location.ParseTimestamp(string(msg.Approach.Timestamp)); err == nil {
				at = ts
			}
		}
		t.dist.Publish(events.Event{
			Kind:      events.KindArrival,
			VehicleID: msg.Approach.VehicleID,
			Payload: Arrival{
				VehicleID: msg.Approach.VehicleID,
				StopID:    msg.Approach.StopID,
				RouteID:   msg.Approach.RouteID,
				ETA:       msg.Approach.ETA,
				Location:  msg.Approach.Location,
				At:        at,
			},
		})

	default:
		log.WithField("kind", string(msg.Kind)).Warn("ignoring unknown message kind")
	}
}

// releaseReporter forgets the reporter channel for vehicle and reports
// whether the vehicle should be removed. A vehicle with open reporter
// channels is only removed when the last of them closes; a disconnect from
// any other channel is ignored while one is open.
func (t *Tracker) releaseReporter(vehicleID, channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	chans := t.expected[vehicleID]
	if len(chans) == 0 {
		return true
	}
	if _, ok := chans[channel]; !ok {
		return false
	}
	delete(chans, channel)
	if len(chans) > 0 {
		return false
	}
	delete(t.expected, vehicleID)
	return true
}

// loadRoster fetches in the background and feeds the result back through the
// inbox so the store keeps a single writer.
func (t *Tracker) loadRoster(ctx context.Context, reason string) {
	if t.roster == nil {
		return
	}

	t.mu.Lock()
	now := t.now()
	if t.rosterBusy || (!t.lastRoster.IsZero() && now.Sub(t.lastRoster) < t.opts.RosterCooldown) {
		t.mu.Unlock()
		return
	}
	t.rosterBusy = true
	t.lastRoster = now
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			t.rosterBusy = false
			t.mu.Unlock()
		}()

		timeout := t.opts.RosterTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		samples, err := t.roster.Roster(fetchCtx)
		if err != nil {
			t.log.WithError(err).WithField("reason", reason).Warn("roster fetch failed")
			return
		}
		for i := range samples {
			s := samples[i]
			t.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: &s, Channel: rosterChannel})
		}

		t.mu.Lock()
		t.rosterLoads++
		t.mu.Unlock()
		t.log.WithField("reason", reason).WithField("vehicles", len(samples)).Info("roster loaded")
	}()
}

// Expected returns one entry per vehicle with an open reporter channel,
// sorted by vehicle id. When several channels are open the one with the
// lowest channel id is reported.
func (t *Tracker) Expected() []transport.ReporterEvent {
	t.mu.Lock()
	out := make([]transport.ReporterEvent, 0, len(t.expected))
	for _, chans := range t.expected {
		ids := make([]string, 0, len(chans))
		for ch := range chans {
			ids = append(ids, ch)
		}
		sort.Strings(ids)
		out = append(out, chans[ids[0]])
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

// Upstream returns the attached connection, or nil when the tracker only
// receives locally submitted events.
func (t *Tracker) Upstream() StatusSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upstream
}

// RosterLoads counts successful roster fetches.
func (t *Tracker) RosterLoads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLoads
}
