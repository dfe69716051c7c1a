package storage

import (
	"context"
	"time"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
)

// queryTimeout is applied to every database query.
const queryTimeout = 5 * time.Second

// geohashPrecision is stored next to each position for coarse area lookups.
const geohashPrecision = 7

// PositionsRepository persists the last known position of each vehicle.
type PositionsRepository interface {
	// UpsertPosition replaces the stored position for s.VehicleID.
	UpsertPosition(ctx context.Context, s location.Sample) error
	// DeletePosition removes the row. Deleting a missing vehicle is not an
	// error.
	DeletePosition(ctx context.Context, vehicleID string) error
	// ListPositions returns every stored position ordered by vehicle id.
	ListPositions(ctx context.Context) ([]location.Sample, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	Close()
}
