// Package storage persists last-known vehicle positions so a restarted
// tracker can seed its roster before live channels deliver samples.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/storage/migrations"
)

// Open connects to the database named by dsn, applies pending migrations and
// verifies the schema. postgres:// and postgresql:// select PostgreSQL;
// sqlite:// (followed by a file path or :memory:) selects SQLite.
func Open(ctx context.Context, dsn string, log logrus.FieldLogger) (PositionsRepository, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("storage: create pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: ping: %w", err)
		}
		if err := RunMigrations(ctx, migrations.PgxTarget{Pool: pool}, log); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPositionsRepository(pool), nil

	case strings.HasPrefix(dsn, "sqlite://"):
		db, err := OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(ctx, migrations.SQLTarget{DB: db}, log); err != nil {
			_ = db.Close()
			return nil, err
		}
		return NewSQLitePositionsRepository(db), nil
	}
	return nil, fmt.Errorf("storage: unsupported DSN scheme in %q", redact(dsn))
}

// RunMigrations applies all pending SQL migrations and verifies the schema.
func RunMigrations(ctx context.Context, t migrations.Target, log logrus.FieldLogger) error {
	if err := migrations.Run(ctx, t, log); err != nil {
		return err
	}
	return migrations.CheckSchema(ctx, t)
}

// redact strips credentials from a DSN before it is logged.
func redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "<invalid>"
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***" + rest[at:]
	}
	return scheme + "://" + rest
}
