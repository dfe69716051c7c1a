package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DB_DSN", "JWT_SECRET", "ACCESS_TOKEN_TTL", "REQUEST_TIMEOUT",
		"UPSTREAM_WS_URLS", "UPSTREAM_POLL_URL", "UPSTREAM_POLL_FORMAT", "UPSTREAM_POLL_INTERVAL",
		"NATS_URL", "NATS_SUBJECT", "UPSTREAM_TOKEN", "ROSTER_URL", "ROSTER_FORMAT",
		"TRACKER_CONFIG", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.DBDSN != "" {
		t.Errorf("DBDSN = %q, want empty", cfg.DBDSN)
	}
	if !cfg.Upstream.Empty() {
		t.Errorf("Upstream = %+v, want empty", cfg.Upstream)
	}
	if cfg.AccessTokenTTL != 12*time.Hour {
		t.Errorf("AccessTokenTTL = %v, want 12h", cfg.AccessTokenTTL)
	}
	if cfg.LogLevel != logrus.InfoLevel {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestLoad_Upstream(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPSTREAM_WS_URLS", "ws://a/ws/feed, ws://b/ws/feed,")
	t.Setenv("UPSTREAM_POLL_URL", "http://c/vehicles.pb")
	t.Setenv("UPSTREAM_POLL_FORMAT", "gtfs-rt")
	t.Setenv("UPSTREAM_POLL_INTERVAL", "30s")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Upstream.PushURLs; len(got) != 2 || got[1] != "ws://b/ws/feed" {
		t.Errorf("PushURLs = %v", got)
	}
	if cfg.Upstream.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Upstream.PollInterval)
	}
	if cfg.Upstream.NATSSubject != "qapac.tracker.events" {
		t.Errorf("NATSSubject = %q", cfg.Upstream.NATSSubject)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{"port not integer", "PORT", "abc", "PORT"},
		{"port out of range", "PORT", "70000", "PORT"},
		{"unknown dsn scheme", "DB_DSN", "mysql://x", "DB_DSN"},
		{"unknown poll format", "UPSTREAM_POLL_FORMAT", "xml", "UPSTREAM_POLL_FORMAT"},
		{"bad log level", "LOG_LEVEL", "loud", "LOG_LEVEL"},
		{"bad log format", "LOG_FORMAT", "xml", "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := &Config{Port: 0, Upstream: Upstream{PollFormat: "xml"}, RosterFormat: "json", LogFormat: "text"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if got := err.Error(); !strings.Contains(got, "PORT") || !strings.Contains(got, "UPSTREAM_POLL_FORMAT") {
		t.Errorf("error %q should mention both fields", got)
	}
}

// ---------------------------------------------------------------------------
// Tuning
// ---------------------------------------------------------------------------

func TestLoadTuning_EmptyPathUsesDefaults(t *testing.T) {
	got, err := LoadTuning("")
	if err != nil {
		t.Fatalf("LoadTuning: %v", err)
	}
	if got.Connection.BaseDelay != time.Second || got.Connection.MaxDelay != 30*time.Second {
		t.Errorf("Connection = %+v", got.Connection)
	}
	if got.Tracker.EvictAfter != 0 {
		t.Errorf("EvictAfter = %v, want disabled", got.Tracker.EvictAfter)
	}
	if got.Tracker.RemovalMemory != 10*time.Minute {
		t.Errorf("RemovalMemory = %v, want 10m", got.Tracker.RemovalMemory)
	}
}

func TestLoadTuning_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yml")
	data := []byte(`
connection:
  base_delay: 500ms
  jitter: 0
filter:
  min_distance_meters: 25
clustering:
  enabled: true
  thresholds:
    12: 800
tracker:
  evict_after: 2m
  removal_memory: 0s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("LoadTuning: %v", err)
	}
	if got.Connection.BaseDelay != 500*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 500ms", got.Connection.BaseDelay)
	}
	if got.Connection.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want default 30s", got.Connection.MaxDelay)
	}
	if got.Connection.Jitter != 0 {
		t.Errorf("Jitter = %v, want 0", got.Connection.Jitter)
	}
	if got.Filter.MinDistanceMeters != 25 {
		t.Errorf("MinDistanceMeters = %v, want 25", got.Filter.MinDistanceMeters)
	}
	if !got.Clustering.Enabled || got.Clustering.Thresholds[12] != 800 {
		t.Errorf("Clustering = %+v", got.Clustering)
	}
	if got.Tracker.EvictAfter != 2*time.Minute {
		t.Errorf("EvictAfter = %v, want 2m", got.Tracker.EvictAfter)
	}
	if got.Tracker.RemovalMemory != 0 {
		t.Errorf("RemovalMemory = %v, want 0", got.Tracker.RemovalMemory)
	}
}

func TestParseTuning_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"max below base", "connection:\n  base_delay: 10s\n  max_delay: 1s\n"},
		{"jitter above one", "connection:\n  jitter: 1.5\n"},
		{"zoom out of range", "clustering:\n  max_zoom: 30\n"},
		{"negative threshold", "clustering:\n  thresholds:\n    10: -5\n"},
		{"not yaml", "connection: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTuning([]byte(tt.yaml))
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
		})
	}
}

func TestLoadTuning_MissingFile(t *testing.T) {
	if _, err := LoadTuning(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
