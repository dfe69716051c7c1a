// Package migrations applies the embedded SQL migrations at startup.
//
// Each dialect has its own directory of NNN_description.sql files, executed in
// lexicographic order. Applied files are recorded in schema_migrations, so Run
// is idempotent. 000_migrations_table.sql must sort first so the tracking
// table exists before anything else runs.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

//go:embed postgres/*.sql sqlite/*.sql
var sqlFiles embed.FS

// Dialect selects the migration set.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// RequiredTables lists the tables CheckSchema expects.
var RequiredTables = []string{"schema_migrations", "vehicle_positions"}

// Target is the small surface the runner needs from a database.
type Target interface {
	Dialect() Dialect
	Exec(ctx context.Context, query string, args ...any) error
	AppliedVersions(ctx context.Context) (map[string]bool, error)
	// InTx runs fn inside one transaction.
	InTx(ctx context.Context, fn func(exec func(query string, args ...any) error) error) error
	TableExists(ctx context.Context, name string) (bool, error)
}

type entry struct {
	version string // filename, used as the unique key
	sql     string
}

// Run applies all pending migrations for the target's dialect.
func Run(ctx context.Context, t Target, log logrus.FieldLogger) error {
	entries, err := loadEntries(t.Dialect())
	if err != nil {
		return fmt.Errorf("migrations: load files: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("migrations: no files for dialect %q", t.Dialect())
	}

	// The tracking table migration is safe to re-run and must exist before
	// applied versions can be read.
	if err := t.Exec(ctx, entries[0].sql); err != nil {
		return fmt.Errorf("migrations: ensure tracking table: %w", err)
	}

	applied, err := t.AppliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("migrations: read applied versions: %w", err)
	}

	pending := 0
	for _, e := range entries {
		if applied[e.version] {
			log.WithField("version", e.version).Debug("migrations: already applied")
			continue
		}
		if err := apply(ctx, t, e); err != nil {
			return fmt.Errorf("migrations: apply %q: %w", e.version, err)
		}
		log.WithField("version", e.version).Info("migrations: applied")
		pending++
	}

	if pending == 0 {
		log.Info("migrations: schema is up to date")
	} else {
		log.WithField("count", pending).Info("migrations: done")
	}
	return nil
}

// CheckSchema verifies that every table in RequiredTables exists.
func CheckSchema(ctx context.Context, t Target) error {
	for _, table := range RequiredTables {
		ok, err := t.TableExists(ctx, table)
		if err != nil {
			return fmt.Errorf("migrations: check table %q: %w", table, err)
		}
		if !ok {
			return fmt.Errorf("migrations: required table %q is missing", table)
		}
	}
	return nil
}

func loadEntries(d Dialect) ([]entry, error) {
	dir, err := fs.Sub(sqlFiles, string(d))
	if err != nil {
		return nil, err
	}
	// ReadDir returns entries sorted by filename.
	dirEntries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("read embedded dir: %w", err)
	}

	var out []entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		content, err := fs.ReadFile(dir, de.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", de.Name(), err)
		}
		out = append(out, entry{version: de.Name(), sql: string(content)})
	}
	return out, nil
}

func apply(ctx context.Context, t Target, e entry) error {
	insert := `INSERT INTO schema_migrations (version) VALUES ($1)`
	if t.Dialect() == SQLite {
		insert = `INSERT INTO schema_migrations (version) VALUES (?)`
	}
	return t.InTx(ctx, func(exec func(string, ...any) error) error {
		if err := exec(e.sql); err != nil {
			return fmt.Errorf("exec sql: %w", err)
		}
		if err := exec(insert, e.version); err != nil {
			return fmt.Errorf("record version: %w", err)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// PostgreSQL
// ---------------------------------------------------------------------------

// PgxTarget adapts a pgx pool.
type PgxTarget struct {
	Pool *pgxpool.Pool
}

func (p PgxTarget) Dialect() Dialect { return Postgres }

func (p PgxTarget) Exec(ctx context.Context, query string, args ...any) error {
	_, err := p.Pool.Exec(ctx, query, args...)
	return err
}

func (p PgxTarget) AppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := p.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(versions))
	for _, v := range versions {
		seen[v] = true
	}
	return seen, nil
}

func (p PgxTarget) InTx(ctx context.Context, fn func(exec func(string, ...any) error) error) error {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = fn(func(query string, args ...any) error {
		_, err := tx.Exec(ctx, query, args...)
		return err
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p PgxTarget) TableExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := p.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.tables
			WHERE table_schema = 'public'
			  AND table_name   = $1
		)`, name).Scan(&exists)
	return exists, err
}

// ---------------------------------------------------------------------------
// SQLite
// ---------------------------------------------------------------------------

// SQLTarget adapts a database/sql handle opened with the sqlite3 driver.
type SQLTarget struct {
	DB *sql.DB
}

func (s SQLTarget) Dialect() Dialect { return SQLite }

func (s SQLTarget) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.DB.ExecContext(ctx, query, args...)
	return err
}

func (s SQLTarget) AppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		seen[v] = true
	}
	return seen, rows.Err()
}

func (s SQLTarget) InTx(ctx context.Context, fn func(exec func(string, ...any) error) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = fn(func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s SQLTarget) TableExists(ctx context.Context, name string) (bool, error) {
	var got string
	err := s.DB.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
