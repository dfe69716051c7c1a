package location

import (
	"time"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
)

// Default thresholds for the noise filter.
const (
	DefaultMinDistanceMeters = 10.0
	DefaultMinInterval       = 5 * time.Second
)

// Decision is the outcome of Filter.Evaluate.
type Decision int

const (
	// Accept means the sample advances the vehicle state.
	Accept Decision = iota
	// DropStale means the sample is older than the stored one.
	DropStale
	// DropDuplicate means the sample carries the same timestamp as the stored
	// one, e.g. the same report delivered by two channels.
	DropDuplicate
	// DropNoise means the vehicle moved less than the distance threshold and
	// the report is not meaningfully newer.
	DropNoise
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case DropStale:
		return "stale"
	case DropDuplicate:
		return "duplicate"
	case DropNoise:
		return "noise"
	default:
		return "unknown"
	}
}

// Filter suppresses GPS jitter and out-of-order delivery. A sample is noise
// only when it is both closer than MinDistanceMeters and newer by less than
// MinInterval; either condition alone lets it through.
type Filter struct {
	MinDistanceMeters float64
	MinInterval       time.Duration
}

// DefaultFilter returns a Filter with the default thresholds.
func DefaultFilter() Filter {
	return Filter{MinDistanceMeters: DefaultMinDistanceMeters, MinInterval: DefaultMinInterval}
}

// Evaluate decides whether next should replace last. last is nil for a
// vehicle the store has never seen.
func (f Filter) Evaluate(last *Sample, next Sample) Decision {
	if last == nil {
		return Accept
	}
	if next.Timestamp.Before(last.Timestamp) {
		return DropStale
	}
	if next.Timestamp.Equal(last.Timestamp) {
		return DropDuplicate
	}

	dist := geo.HaversineMeters(last.Point(), next.Point())
	elapsed := next.Timestamp.Sub(last.Timestamp)
	if dist < f.MinDistanceMeters && elapsed < f.MinInterval {
		return DropNoise
	}
	return Accept
}

// DeriveSpeedKMH computes the average speed between two samples of the same
// vehicle. ok is false when next is not strictly newer than prev.
func DeriveSpeedKMH(prev, next Sample) (kmh float64, ok bool) {
	elapsed := next.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return geo.HaversineMeters(prev.Point(), next.Point()) / elapsed * 3.6, true
}
