package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Tuning holds the tracking tunables read from the optional YAML file named
// by TRACKER_CONFIG. Zero or missing sections keep their defaults.
type Tuning struct {
	Connection ConnectionTuning `yaml:"connection"`
	Filter     FilterTuning     `yaml:"filter"`
	Clustering ClusterTuning    `yaml:"clustering"`
	Tracker    TrackerTuning    `yaml:"tracker"`
}

// ConnectionTuning configures reconnect behaviour.
type ConnectionTuning struct {
	BaseDelay            time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay             time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	StabilityWindow      time.Duration `yaml:"stability_window" validate:"gte=0"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	Jitter               float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	MaxStuckReplacements int           `yaml:"max_stuck_replacements" validate:"gte=0"`
}

// FilterTuning configures the noise filter.
type FilterTuning struct {
	MinDistanceMeters float64       `yaml:"min_distance_meters" validate:"gte=0"`
	MinInterval       time.Duration `yaml:"min_interval" validate:"gte=0"`
}

// ClusterTuning configures marker clustering.
type ClusterTuning struct {
	Enabled      bool    `yaml:"enabled"`
	RadiusPixels float64 `yaml:"radius_pixels" validate:"gt=0"`
	MaxZoom      int     `yaml:"max_zoom" validate:"gte=0,lte=22"`
	// Thresholds overrides the merge distance in metres for given zooms.
	Thresholds map[int]float64 `yaml:"thresholds" validate:"dive,keys,gte=0,lte=22,endkeys,gt=0"`
}

// TrackerTuning configures the ingestion loop.
type TrackerTuning struct {
	ColdStartGrace time.Duration `yaml:"cold_start_grace" validate:"gte=0"`
	RetryBudget    int           `yaml:"retry_budget" validate:"gte=0"`
	RosterCooldown time.Duration `yaml:"roster_cooldown" validate:"gte=0"`
	EvictAfter     time.Duration `yaml:"evict_after" validate:"gte=0"`
	SweepInterval  time.Duration `yaml:"sweep_interval" validate:"gte=0"`
	// RemovalMemory is how long a removed vehicle's last timestamp is kept
	// to reject late duplicates. Zero forgets it immediately.
	RemovalMemory time.Duration `yaml:"removal_memory" validate:"gte=0"`
}

// DefaultTuning returns the values used when no file is given.
func DefaultTuning() Tuning {
	return Tuning{
		Connection: ConnectionTuning{
			BaseDelay:            time.Second,
			MaxDelay:             30 * time.Second,
			StabilityWindow:      10 * time.Second,
			ConnectTimeout:       30 * time.Second,
			Jitter:               0.2,
			MaxStuckReplacements: 3,
		},
		Filter: FilterTuning{
			MinDistanceMeters: 10,
			MinInterval:       5 * time.Second,
		},
		Clustering: ClusterTuning{
			RadiusPixels: 60,
			MaxZoom:      15,
		},
		Tracker: TrackerTuning{
			ColdStartGrace: 5 * time.Second,
			RetryBudget:    3,
			RosterCooldown: 30 * time.Second,
			SweepInterval:  10 * time.Second,
			RemovalMemory:  10 * time.Minute,
		},
	}
}

// LoadTuning reads path over the defaults and validates the result. An empty
// path returns the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, &ConfigError{Field: "TRACKER_CONFIG", Message: err.Error()}
	}
	return ParseTuning(data)
}

// ParseTuning decodes YAML over the defaults and validates the result.
func ParseTuning(data []byte) (Tuning, error) {
	t := DefaultTuning()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, &ConfigError{Field: "TRACKER_CONFIG", Message: fmt.Sprintf("parse: %v", err)}
	}
	if err := validator.New().Struct(t); err != nil {
		return Tuning{}, &ConfigError{Field: "TRACKER_CONFIG", Message: err.Error()}
	}
	return t, nil
}
