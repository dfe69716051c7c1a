// Package connection owns the transport lifecycle: it opens every configured
// channel, keeps each one alive with exponential backoff, replaces attempts
// that hang, and folds the per-channel states into one observable status.
package connection

import "time"

// Role is who the connection speaks for.
type Role string

const (
	// RoleViewer consumes the fleet feed.
	RoleViewer Role = "viewer"
	// RoleReporter uplinks a single vehicle's samples and must authenticate.
	RoleReporter Role = "reporter"
)

// Options are the reconnect tunables.
type Options struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	StabilityWindow time.Duration // a connection alive this long resets the backoff
	ConnectTimeout  time.Duration // an open exceeding this is torn down
	Jitter          float64       // fraction in [0, 1]

	// MaxStuckReplacements bounds how many hung opens in a row are replaced
	// immediately before falling back to normal backoff.
	MaxStuckReplacements int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		StabilityWindow:      10 * time.Second,
		ConnectTimeout:       30 * time.Second,
		Jitter:               0.2,
		MaxStuckReplacements: 3,
	}
}
