package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
)

// pgPositionsRepository is the pgx-backed implementation of
// PositionsRepository.
type pgPositionsRepository struct {
	pool *pgxpool.Pool
}

// NewPositionsRepository creates a PositionsRepository backed by the given
// pool. The repository takes ownership of the pool.
func NewPositionsRepository(pool *pgxpool.Pool) PositionsRepository {
	return &pgPositionsRepository{pool: pool}
}

func (r *pgPositionsRepository) UpsertPosition(ctx context.Context, s location.Sample) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO vehicle_positions
			(vehicle_id, driver_id, lat, lon, geohash, heading, speed, eta_minutes, recorded_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (vehicle_id)
		DO UPDATE SET
			driver_id = $2,
			lat = $3,
			lon = $4,
			geohash = $5,
			heading = $6,
			speed = $7,
			eta_minutes = $8,
			recorded_at = $9,
			updated_at = NOW()`,
		s.VehicleID, s.DriverID, s.Latitude, s.Longitude, geo.Geohash(s.Point(), geohashPrecision),
		s.Heading, s.Speed, s.ETA, s.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("storage: UpsertPosition: %w", err)
	}
	return nil
}

func (r *pgPositionsRepository) DeletePosition(ctx context.Context, vehicleID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `DELETE FROM vehicle_positions WHERE vehicle_id = $1`, vehicleID); err != nil {
		return fmt.Errorf("storage: DeletePosition: %w", err)
	}
	return nil
}

func (r *pgPositionsRepository) ListPositions(ctx context.Context) ([]location.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT vehicle_id, driver_id, lat, lon, heading, speed, eta_minutes, recorded_at
		FROM vehicle_positions
		ORDER BY vehicle_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: ListPositions: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (location.Sample, error) {
		var s location.Sample
		var recorded time.Time
		err := row.Scan(&s.VehicleID, &s.DriverID, &s.Latitude, &s.Longitude,
			&s.Heading, &s.Speed, &s.ETA, &recorded)
		s.Timestamp = recorded.UTC()
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: ListPositions: %w", err)
	}
	return out, nil
}

func (r *pgPositionsRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *pgPositionsRepository) Close() {
	r.pool.Close()
}
