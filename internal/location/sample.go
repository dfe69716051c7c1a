// Package location defines the LocationSample model and the pure functions
// that decide whether a sample may enter the vehicle state store: Validate
// for well-formedness and Filter for noise and recency.
package location

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
)

// ErrInvalidSample is returned when a Sample that never went through Validate
// (or was modified afterwards) is handed to a component that requires one.
var ErrInvalidSample = errors.New("location: sample violates validation invariants")

// TimeValue carries a timestamp exactly as it arrived on the wire. JSON
// strings and JSON numbers are both accepted; parsing happens in Validate.
type TimeValue string

// UnmarshalJSON accepts "2024-05-01T10:00:00Z" as well as 1714557600000.
func (t *TimeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TimeValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = TimeValue(n.String())
	return nil
}

// RawSample is an unvalidated position report. Pointer fields distinguish a
// missing value from a zero value.
type RawSample struct {
	VehicleID string    `json:"vehicleId" validate:"required"`
	DriverID  *string   `json:"driverId,omitempty"`
	Latitude  *float64  `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64  `json:"longitude" validate:"required,gte=-180,lte=180"`
	Timestamp TimeValue `json:"timestamp" validate:"required"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	ETA       *float64  `json:"eta,omitempty"`
}

// Sample is a validated LocationSample.
type Sample struct {
	VehicleID string    `json:"vehicleId"`
	DriverID  *string   `json:"driverId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`   // km/h
	Heading   *float64  `json:"heading,omitempty"` // degrees
	ETA       *float64  `json:"eta,omitempty"`     // minutes
}

// Point returns the sample position.
func (s Sample) Point() geo.Point {
	return geo.Point{Lat: s.Latitude, Lon: s.Longitude}
}

// Check re-verifies the invariants Validate guarantees. It is cheap and meant
// to catch programmer misuse, not to replace Validate.
func (s Sample) Check() error {
	if s.VehicleID == "" || s.Timestamp.IsZero() || !s.Point().Valid() {
		return ErrInvalidSample
	}
	for _, f := range []*float64{s.Speed, s.Heading, s.ETA} {
		if f != nil && !finite(*f) {
			return ErrInvalidSample
		}
	}
	return nil
}

// Raw converts a validated sample back into its wire form. Timestamps are
// rendered as RFC 3339 with nanoseconds so the round trip is lossless.
func (s Sample) Raw() RawSample {
	lat, lon := s.Latitude, s.Longitude
	return RawSample{
		VehicleID: s.VehicleID,
		DriverID:  s.DriverID,
		Latitude:  &lat,
		Longitude: &lon,
		Timestamp: TimeValue(s.Timestamp.UTC().Format(time.RFC3339Nano)),
		Speed:     s.Speed,
		Heading:   s.Heading,
		ETA:       s.ETA,
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
