// Package tracking holds the authoritative in-memory picture of every active
// vehicle. The Store is written by a single owner (the tracker loop) and read
// concurrently by the spatial engine and the HTTP surface.
package tracking

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/events"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
)

// VehicleState is the current known state of one vehicle.
type VehicleState struct {
	ID            string           `json:"id"`
	Last          location.Sample  `json:"lastSample"`
	Previous      *location.Sample `json:"previousSample,omitempty"`
	Speed         *float64         `json:"speed,omitempty"` // km/h, reported or derived
	SpeedDerived  bool             `json:"speedDerived"`
	FirstSeenAt   time.Time        `json:"firstSeenAt"`
	LastUpdatedAt time.Time        `json:"lastUpdatedAt"`
}

// ConnectionAge is how long the vehicle has been tracked.
func (v VehicleState) ConnectionAge(now time.Time) time.Duration {
	return now.Sub(v.FirstSeenAt)
}

// Removal is the payload of a vehicle-removed event.
type Removal struct {
	VehicleID string `json:"vehicleId"`
	Reason    string `json:"reason"`
}

// Removal reasons.
const (
	ReasonDisconnected = "reporter-disconnected"
	ReasonStale        = "stale"
)

// Outcome reports what an upsert did.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	OutcomeRejected
	OutcomeNoise
	OutcomeStale
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRejected:
		return "rejected"
	case OutcomeNoise:
		return "noise"
	case OutcomeStale:
		return "stale"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Changed reports whether the outcome modified the store.
func (o Outcome) Changed() bool {
	return o == OutcomeCreated || o == OutcomeUpdated
}

// Stats counts upsert outcomes since the store was created.
type Stats struct {
	Created   uint64 `json:"created"`
	Updated   uint64 `json:"updated"`
	Rejected  uint64 `json:"rejected"`
	Noise     uint64 `json:"noise"`
	Stale     uint64 `json:"stale"`
	Duplicate uint64 `json:"duplicate"`
	Removed   uint64 `json:"removed"`
}

// Store maps vehicle id to VehicleState. Every change is published on the
// distributor while the write lock is held, so events for a vehicle are
// published in the order changes were applied.
type Store struct {
	mu       sync.RWMutex
	vehicles map[string]*VehicleState
	removed  map[string]tombstone
	stats    Stats

	filter        location.Filter
	removalMemory time.Duration
	dist          *events.Distributor
	log           logrus.FieldLogger
	now           func() time.Time
}

// DefaultRemovalMemory is how long a removed vehicle's last timestamp is
// remembered.
const DefaultRemovalMemory = 10 * time.Minute

// tombstone remembers a removed vehicle so that copies of its last samples
// still in flight on other channels cannot recreate it.
type tombstone struct {
	last      time.Time // timestamp of the last applied sample
	removedAt time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFilter overrides the default noise filter.
func WithFilter(f location.Filter) StoreOption {
	return func(s *Store) { s.filter = f }
}

// WithLogger sets the logger used for rejected samples.
func WithLogger(l logrus.FieldLogger) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithRemovalMemory sets how long a removed vehicle rejects samples at or
// before its last applied timestamp. Zero forgets removed vehicles at once.
func WithRemovalMemory(d time.Duration) StoreOption {
	return func(s *Store) { s.removalMemory = d }
}

// withClock replaces time.Now; tests only.
func withClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty Store publishing to dist. dist may be nil.
func NewStore(dist *events.Distributor, opts ...StoreOption) *Store {
	s := &Store{
		vehicles:      make(map[string]*VehicleState),
		removed:       make(map[string]tombstone),
		filter:        location.DefaultFilter(),
		removalMemory: DefaultRemovalMemory,
		dist:          dist,
		log:           logrus.StandardLogger(),
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert validates raw and applies it. Invalid samples are logged, counted
// and published as sample-rejected; they never surface as errors.
func (s *Store) Upsert(raw location.RawSample) Outcome {
	sample, err := location.Validate(raw)
	if err != nil {
		var verr *location.ValidationError
		errors.As(err, &verr)

		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()

		s.log.WithField("vehicle_id", raw.VehicleID).WithError(err).Warn("rejected location sample")
		s.publish(events.Event{Kind: events.KindSampleRejected, VehicleID: raw.VehicleID, Payload: verr})
		return OutcomeRejected
	}

	out, _ := s.Apply(sample)
	return out
}

// Apply stores an already validated sample. It returns
// location.ErrInvalidSample when sample does not satisfy the validation
// invariants.
func (s *Store) Apply(sample location.Sample) (Outcome, error) {
	if err := sample.Check(); err != nil {
		return OutcomeRejected, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, exists := s.vehicles[sample.VehicleID]
	var last *location.Sample
	if exists {
		last = &cur.Last
	} else if ts, ok := s.removed[sample.VehicleID]; ok {
		switch {
		case now.Sub(ts.removedAt) > s.removalMemory:
			delete(s.removed, sample.VehicleID)
		case !sample.Timestamp.After(ts.last):
			s.stats.Stale++
			return OutcomeStale, nil
		default:
			delete(s.removed, sample.VehicleID)
		}
	}

	switch s.filter.Evaluate(last, sample) {
	case location.DropStale:
		s.stats.Stale++
		return OutcomeStale, nil
	case location.DropDuplicate:
		s.stats.Duplicate++
		return OutcomeDuplicate, nil
	case location.DropNoise:
		s.stats.Noise++
		return OutcomeNoise, nil
	}

	outcome := OutcomeUpdated
	if !exists {
		cur = &VehicleState{ID: sample.VehicleID, FirstSeenAt: now}
		s.vehicles[sample.VehicleID] = cur
		outcome = OutcomeCreated
		s.stats.Created++
	} else {
		prev := cur.Last
		cur.Previous = &prev
		s.stats.Updated++
	}

	cur.Last = sample
	cur.LastUpdatedAt = now
	cur.Speed, cur.SpeedDerived = sample.Speed, false
	if cur.Speed == nil && cur.Previous != nil {
		if kmh, ok := location.DeriveSpeedKMH(*cur.Previous, sample); ok {
			cur.Speed, cur.SpeedDerived = &kmh, true
		}
	}

	snapshot := copyState(cur)
	s.publish(events.Event{Kind: events.KindVehicleUpdated, VehicleID: sample.VehicleID, Payload: snapshot})
	return outcome, nil
}

// Remove deletes a vehicle. Removing an unknown vehicle is a no-op and
// publishes nothing. Until the removal memory elapses, samples for id that
// are not newer than its last applied one are dropped as stale.
func (s *Store) Remove(id, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id, reason)
}

func (s *Store) removeLocked(id, reason string) bool {
	v, ok := s.vehicles[id]
	if !ok {
		return false
	}
	delete(s.vehicles, id)

	now := s.now()
	s.pruneRemovedLocked(now)
	if s.removalMemory > 0 {
		s.removed[id] = tombstone{last: v.Last.Timestamp, removedAt: now}
	}
	s.stats.Removed++
	s.publish(events.Event{Kind: events.KindVehicleRemoved, VehicleID: id, Payload: Removal{VehicleID: id, Reason: reason}})
	return true
}

// pruneRemovedLocked drops tombstones older than the removal memory.
func (s *Store) pruneRemovedLocked(now time.Time) {
	for id, ts := range s.removed {
		if now.Sub(ts.removedAt) > s.removalMemory {
			delete(s.removed, id)
		}
	}
}

// EvictStale removes every vehicle whose last update is older than maxAge and
// returns their ids in ascending order. maxAge <= 0 disables eviction.
func (s *Store) EvictStale(now time.Time, maxAge time.Duration) []string {
	if maxAge <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for id, v := range s.vehicles {
		if now.Sub(v.LastUpdatedAt) > maxAge {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		s.removeLocked(id, ReasonStale)
	}
	return stale
}

// Get returns a copy of one vehicle's state.
func (s *Store) Get(id string) (VehicleState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return VehicleState{}, false
	}
	return copyState(v), true
}

// GetAll returns copies of every vehicle state ordered by id.
func (s *Store) GetAll() []VehicleState {
	s.mu.RLock()
	out := make([]VehicleState, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, copyState(v))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked vehicles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}

// Stats returns a copy of the outcome counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Store) publish(ev events.Event) {
	if s.dist != nil {
		s.dist.Publish(ev)
	}
}

// copyState returns a deep copy so callers cannot alias the stored pointers.
func copyState(v *VehicleState) VehicleState {
	return *deepcopy.Copy(v).(*VehicleState)
}
