// Package config loads and validates environment-based configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: field %q: %s", e.Field, e.Message)
}

// Upstream describes the channels the tracker pulls events from when it runs
// as a downstream instance. All fields are optional; with none set the
// tracker only receives what reporters push to it directly.
type Upstream struct {
	PushURLs     []string      // WebSocket endpoints, one channel each
	PollURL      string        // REST/GTFS-RT endpoint polled as a fallback channel
	PollFormat   string        // "json" or "gtfs-rt"
	PollInterval time.Duration
	NATSURL      string
	NATSSubject  string
	Token        string // bearer credential presented on every channel
}

// Empty reports whether no upstream channel is configured.
func (u Upstream) Empty() bool {
	return len(u.PushURLs) == 0 && u.PollURL == "" && u.NATSURL == ""
}

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Port int

	// DBDSN selects position persistence: postgres://... or sqlite://path.
	// Empty disables persistence.
	DBDSN string

	// JWT authentication settings.
	JWTSecret      string // Required for reporter endpoints; signing key for HS256.
	AccessTokenTTL time.Duration

	RequestTimeout time.Duration

	Upstream Upstream

	// RosterURL is fetched on cold start and after the retry budget is spent.
	RosterURL    string
	RosterFormat string

	// TrackerConfig is the optional YAML tuning file.
	TrackerConfig string

	LogLevel  logrus.Level
	LogFormat string // "text" or "json"
}

// Load reads and validates environment variables.
// Returns a ConfigError for any invalid value.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DBDSN = os.Getenv("DB_DSN")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	// Not required at startup; reporter endpoints reject every token if unset.

	cfg.AccessTokenTTL = parseDurationEnv("ACCESS_TOKEN_TTL", 12*time.Hour)
	cfg.RequestTimeout = parseDurationEnv("REQUEST_TIMEOUT", 10*time.Second)

	cfg.Upstream = Upstream{
		PushURLs:     splitList(os.Getenv("UPSTREAM_WS_URLS")),
		PollURL:      os.Getenv("UPSTREAM_POLL_URL"),
		PollFormat:   envOr("UPSTREAM_POLL_FORMAT", "json"),
		PollInterval: parseDurationEnv("UPSTREAM_POLL_INTERVAL", 10*time.Second),
		NATSURL:      os.Getenv("NATS_URL"),
		NATSSubject:  envOr("NATS_SUBJECT", "qapac.tracker.events"),
		Token:        os.Getenv("UPSTREAM_TOKEN"),
	}

	cfg.RosterURL = os.Getenv("ROSTER_URL")
	cfg.RosterFormat = envOr("ROSTER_FORMAT", "json")
	cfg.TrackerConfig = os.Getenv("TRACKER_CONFIG")

	cfg.LogFormat = envOr("LOG_FORMAT", "text")
	level, err := logrus.ParseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return nil, &ConfigError{Field: "LOG_LEVEL", Message: err.Error()}
	}
	cfg.LogLevel = level

	portStr := os.Getenv("PORT")
	if portStr == "" {
		cfg.Port = 8080
	} else {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, &ConfigError{Field: "PORT", Message: "must be a valid integer"}
		}
		cfg.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate re-checks fields on an already-constructed Config.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, &ConfigError{Field: "PORT", Message: "must be between 1 and 65535"})
	}
	if c.DBDSN != "" && !hasScheme(c.DBDSN, "postgres://", "postgresql://", "sqlite://") {
		errs = append(errs, &ConfigError{Field: "DB_DSN", Message: "must start with postgres:// or sqlite://"})
	}
	if !oneOf(c.Upstream.PollFormat, "json", "gtfs-rt") {
		errs = append(errs, &ConfigError{Field: "UPSTREAM_POLL_FORMAT", Message: `must be "json" or "gtfs-rt"`})
	}
	if !oneOf(c.RosterFormat, "json", "gtfs-rt") {
		errs = append(errs, &ConfigError{Field: "ROSTER_FORMAT", Message: `must be "json" or "gtfs-rt"`})
	}
	if c.Upstream.PollURL != "" && c.Upstream.PollInterval <= 0 {
		errs = append(errs, &ConfigError{Field: "UPSTREAM_POLL_INTERVAL", Message: "must be positive"})
	}
	if c.Upstream.NATSURL != "" && c.Upstream.NATSSubject == "" {
		errs = append(errs, &ConfigError{Field: "NATS_SUBJECT", Message: "required when NATS_URL is set"})
	}
	if !oneOf(c.LogFormat, "text", "json") {
		errs = append(errs, &ConfigError{Field: "LOG_FORMAT", Message: `must be "text" or "json"`})
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// parseDurationEnv reads a duration from an environment variable.
// Falls back to defaultVal if the variable is unset or unparseable.
// Accepts Go duration strings like "15m", "24h", "168h".
func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal
	}
	return d
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hasScheme(s string, schemes ...string) bool {
	for _, p := range schemes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}
