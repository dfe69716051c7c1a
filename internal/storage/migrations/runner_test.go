package migrations

import (
	"strings"
	"testing"
)

func TestLoadEntries_OrderedPerDialect(t *testing.T) {
	for _, d := range []Dialect{Postgres, SQLite} {
		entries, err := loadEntries(d)
		if err != nil {
			t.Fatalf("%s: loadEntries: %v", d, err)
		}
		if len(entries) < 2 {
			t.Fatalf("%s: got %d entries, want at least 2", d, len(entries))
		}
		if entries[0].version != "000_migrations_table.sql" {
			t.Errorf("%s: first entry = %q, want tracking table", d, entries[0].version)
		}
		for i := 1; i < len(entries); i++ {
			if entries[i-1].version >= entries[i].version {
				t.Errorf("%s: entries out of order: %q before %q", d, entries[i-1].version, entries[i].version)
			}
		}
		found := false
		for _, e := range entries {
			if strings.Contains(e.sql, "vehicle_positions") {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: no migration creates vehicle_positions", d)
		}
	}
}
