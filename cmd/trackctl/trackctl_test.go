package main

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/service"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/spatial"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

func TestWalker_ProducesValidSamples(t *testing.T) {
	w := newWalker("B1", 23.0, 72.5, 36, rand.New(rand.NewSource(1)))
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var prev *location.Sample
	for i := 1; i <= 20; i++ {
		raw := w.next(start.Add(time.Duration(i)*5*time.Second), 5*time.Second)
		s, err := location.Validate(raw)
		require.NoError(t, err)
		assert.Equal(t, "B1", s.VehicleID)

		if prev != nil {
			// 36 km/h for 5 s is 50 m.
			d := geo.HaversineMeters(prev.Point(), s.Point())
			assert.InDelta(t, 50, d, 1)
			assert.True(t, s.Timestamp.After(prev.Timestamp))
		}
		prev = &s
	}
}

func TestTokenCmd(t *testing.T) {
	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--secret", "s3cret", "--vehicle", "B7", "--driver", "9"})
	require.NoError(t, cmd.Execute())

	claims, err := service.NewAuthService("s3cret", time.Hour).ValidateAccessToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "B7", claims.VehicleID)
	assert.Equal(t, service.RoleReporter, claims.Role)
}

func TestTokenCmd_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no secret", []string{"--secret", "", "--vehicle", "B7"}},
		{"unknown role", []string{"--secret", "x", "--role", "root"}},
		{"reporter without vehicle", []string{"--secret", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := tokenCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			assert.Error(t, cmd.Execute())
		})
	}
}

func TestSummarize(t *testing.T) {
	frame := spatial.Frame{
		Seq: 3,
		Created: []spatial.Marker{
			{ID: "B1", Kind: "vehicle", Count: 1, Position: geo.Point{Lat: 1, Lon: 2}},
			{ID: "c:B2", Kind: "cluster", Count: 4, Position: geo.Point{Lat: 3, Lon: 4}},
		},
		Removed: []string{"B9"},
	}
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	got := summarize(transport.Envelope{Type: "frame", Data: data})
	assert.Contains(t, got, "frame #3: +2 ~0 -1")
	assert.Contains(t, got, "B1 at 1.00000,2.00000")
	assert.Contains(t, got, "cluster of 4")
	assert.Contains(t, got, "- B9")

	assert.Equal(t, "error: invalid viewport", summarize(transport.Envelope{Type: "error", Reason: "invalid viewport"}))
}
