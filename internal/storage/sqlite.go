package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
)

// sqlitePositionsRepository keeps positions in a local SQLite file, for
// single-node deployments without PostgreSQL.
type sqlitePositionsRepository struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// journaling. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// NewSQLitePositionsRepository creates a PositionsRepository over db. The
// repository takes ownership of db.
func NewSQLitePositionsRepository(db *sql.DB) PositionsRepository {
	return &sqlitePositionsRepository{db: db}
}

func (r *sqlitePositionsRepository) UpsertPosition(ctx context.Context, s location.Sample) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vehicle_positions
			(vehicle_id, driver_id, lat, lon, geohash, heading, speed, eta_minutes, recorded_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (vehicle_id)
		DO UPDATE SET
			driver_id = excluded.driver_id,
			lat = excluded.lat,
			lon = excluded.lon,
			geohash = excluded.geohash,
			heading = excluded.heading,
			speed = excluded.speed,
			eta_minutes = excluded.eta_minutes,
			recorded_at = excluded.recorded_at,
			updated_at = CURRENT_TIMESTAMP`,
		s.VehicleID, s.DriverID, s.Latitude, s.Longitude, geo.Geohash(s.Point(), geohashPrecision),
		s.Heading, s.Speed, s.ETA, s.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: UpsertPosition: %w", err)
	}
	return nil
}

func (r *sqlitePositionsRepository) DeletePosition(ctx context.Context, vehicleID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM vehicle_positions WHERE vehicle_id = ?`, vehicleID); err != nil {
		return fmt.Errorf("storage: DeletePosition: %w", err)
	}
	return nil
}

func (r *sqlitePositionsRepository) ListPositions(ctx context.Context) ([]location.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT vehicle_id, driver_id, lat, lon, heading, speed, eta_minutes, recorded_at
		FROM vehicle_positions
		ORDER BY vehicle_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: ListPositions: %w", err)
	}
	defer rows.Close()

	var out []location.Sample
	for rows.Next() {
		var (
			s        location.Sample
			driverID sql.NullString
			heading  sql.NullFloat64
			speed    sql.NullFloat64
			eta      sql.NullFloat64
			recorded string
		)
		if err := rows.Scan(&s.VehicleID, &driverID, &s.Latitude, &s.Longitude,
			&heading, &speed, &eta, &recorded); err != nil {
			return nil, fmt.Errorf("storage: ListPositions: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, recorded)
		if err != nil {
			return nil, fmt.Errorf("storage: ListPositions: parse recorded_at: %w", err)
		}
		s.Timestamp = ts.UTC()
		if driverID.Valid {
			s.DriverID = &driverID.String
		}
		s.Heading = nullFloat(heading)
		s.Speed = nullFloat(speed)
		s.ETA = nullFloat(eta)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: ListPositions: %w", err)
	}
	return out, nil
}

func (r *sqlitePositionsRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *sqlitePositionsRepository) Close() {
	_ = r.db.Close()
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
