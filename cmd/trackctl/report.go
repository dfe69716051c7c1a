package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/connection"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// reportCmd drives a simulated vehicle over the reporter channels.
func reportCmd() *cobra.Command {
	var (
		urls      []string
		natsURL   string
		subject   string
		token     string
		vehicleID string
		lat, lon  float64
		speedKMH  float64
		interval  time.Duration
		count     int
		seed      int64
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Simulate a vehicle sending location updates",
		Example: `  trackctl report --url ws://localhost:8080/ws/reporter --token $TOKEN --vehicle B12
  trackctl report --nats nats://localhost:4222 --vehicle B12 --count 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if vehicleID == "" {
				return errors.New("--vehicle is required")
			}
			var factories []transport.Factory
			for _, u := range urls {
				factories = append(factories, connection.PushFactory(connection.RoleReporter, u, token, log))
			}
			if natsURL != "" {
				factories = append(factories, connection.BrokerFactory(natsURL, subject, token, log))
			}
			if len(factories) == 0 {
				return errors.New("at least one of --url or --nats is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mgr := connection.New(connection.RoleReporter, factories, connection.DefaultOptions(),
				connection.WithLogger(log.WithField("component", "connection")))
			mgr.OnStatus(func(s transport.Status) {
				log.WithField("state", s.State).Info("connection state changed")
			})
			mgr.OnAuthFailure(func(err error) {
				log.WithError(err).Error("authentication rejected")
				stop()
			})
			if err := mgr.Connect(ctx); err != nil {
				return err
			}
			defer mgr.Close()

			w := newWalker(vehicleID, lat, lon, speedKMH, rand.New(rand.NewSource(seed)))
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for sent := 0; count <= 0 || sent < count; {
				select {
				case <-ctx.Done():
					return nil
				case now := <-ticker.C:
					sample := w.next(now, interval)
					env, err := transport.NewEnvelope(transport.Message{
						Kind:   transport.MessageLocationUpdate,
						Sample: &sample,
					})
					if err != nil {
						return err
					}
					if err := mgr.Send(env); err != nil {
						log.WithError(err).Warn("update not sent")
						continue
					}
					sent++
					log.WithFields(logrus.Fields{
						"lat": *sample.Latitude,
						"lon": *sample.Longitude,
					}).Debug("update sent")
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d updates for %s\n", count, vehicleID)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&urls, "url", nil, "Reporter WebSocket endpoint (repeatable)")
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", "qapac.tracker.events", "NATS subject")
	cmd.Flags().StringVar(&token, "token", envOr("TRACKER_TOKEN", ""), "Reporter access token")
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "Vehicle id")
	cmd.Flags().Float64Var(&lat, "lat", 23.0225, "Start latitude")
	cmd.Flags().Float64Var(&lon, "lon", 72.5714, "Start longitude")
	cmd.Flags().Float64Var(&speedKMH, "speed", 30, "Simulated speed in km/h")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Time between updates")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many updates (0 runs until interrupted)")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "Random seed for the route")
	return cmd
}

// walker produces a plausible random drive: a slowly turning heading at a
// constant speed.
type walker struct {
	vehicleID string
	lat, lon  float64
	heading   float64 // degrees
	speedKMH  float64
	rng       *rand.Rand
}

func newWalker(vehicleID string, lat, lon, speedKMH float64, rng *rand.Rand) *walker {
	return &walker{
		vehicleID: vehicleID,
		lat:       lat,
		lon:       lon,
		heading:   rng.Float64() * 360,
		speedKMH:  speedKMH,
		rng:       rng,
	}
}

// metersPerDegree is the length of one degree of latitude.
const metersPerDegree = 111_320.0

// next advances the walker by elapsed and returns the new position.
func (w *walker) next(now time.Time, elapsed time.Duration) location.RawSample {
	w.heading = math.Mod(w.heading+(w.rng.Float64()-0.5)*30+360, 360)

	dist := w.speedKMH / 3.6 * elapsed.Seconds()
	rad := w.heading * math.Pi / 180
	w.lat += dist * math.Cos(rad) / metersPerDegree
	w.lon += dist * math.Sin(rad) / (metersPerDegree * math.Cos(w.lat*math.Pi/180))
	w.lat = math.Max(-90, math.Min(90, w.lat))
	if w.lon > 180 {
		w.lon -= 360
	} else if w.lon < -180 {
		w.lon += 360
	}

	lat, lon := w.lat, w.lon
	heading, speed := w.heading, w.speedKMH
	return location.RawSample{
		VehicleID: w.vehicleID,
		Latitude:  &lat,
		Longitude: &lon,
		Timestamp: location.TimeValue(now.UTC().Format(time.RFC3339Nano)),
		Heading:   &heading,
		Speed:     &speed,
	}
}
