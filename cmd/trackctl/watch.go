package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/handler"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/spatial"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// watchCmd subscribes to the viewer feed and prints every frame.
func watchCmd() *cobra.Command {
	var (
		url   string
		token string
		swLat float64
		swLon float64
		neLat float64
		neLon float64
		zoom  int
		raw   bool
	)

	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Print the map frames a viewer receives for a viewport",
		Example: `  trackctl watch --url ws://localhost:8080/ws/viewer --sw-lat 22.9 --sw-lon 72.4 --ne-lat 23.1 --ne-lon 72.7 --zoom 13`,
		RunE: func(cmd *cobra.Command, args []string) error {
			vp := spatial.Viewport{
				Bounds: geo.BBox{
					SouthWest: geo.Point{Lat: swLat, Lon: swLon},
					NorthEast: geo.Point{Lat: neLat, Lon: neLon},
				},
				Zoom: zoom,
			}
			if !vp.Bounds.Valid() {
				return errors.New("invalid viewport bounds")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, url, token, vp, cmd.OutOrStdout(), raw)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws/viewer", "Viewer WebSocket endpoint")
	cmd.Flags().StringVar(&token, "token", envOr("TRACKER_TOKEN", ""), "Optional access token")
	cmd.Flags().Float64Var(&swLat, "sw-lat", 22.9, "South-west latitude")
	cmd.Flags().Float64Var(&swLon, "sw-lon", 72.4, "South-west longitude")
	cmd.Flags().Float64Var(&neLat, "ne-lat", 23.1, "North-east latitude")
	cmd.Flags().Float64Var(&neLon, "ne-lon", 72.7, "North-east longitude")
	cmd.Flags().IntVar(&zoom, "zoom", 13, "Map zoom level (0-22)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print raw envelopes instead of summaries")
	return cmd
}

// watch dials the viewer endpoint, sends vp and prints until ctx ends or the
// server closes the socket.
func watch(ctx context.Context, url, token string, vp spatial.Viewport, out io.Writer, raw bool) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	data, err := json.Marshal(vp)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(transport.Envelope{Type: transport.TypeViewport, Data: data}); err != nil {
		return fmt.Errorf("send viewport: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if raw {
			fmt.Fprintln(out, string(msg))
			continue
		}
		env, err := transport.DecodeEnvelope(msg)
		if err != nil {
			log.WithError(err).Warn("undecodable frame")
			continue
		}
		fmt.Fprintln(out, summarize(env))
	}
}

// summarize renders one server envelope as a single line.
func summarize(env transport.Envelope) string {
	switch env.Type {
	case handler.TypeFrame:
		var f spatial.Frame
		if err := json.Unmarshal(env.Data, &f); err != nil {
			return "frame: " + err.Error()
		}
		s := fmt.Sprintf("frame #%d: +%d ~%d -%d", f.Seq, len(f.Created), len(f.Updated), len(f.Removed))
		for _, m := range f.Created {
			s += "\n  + " + describeMarker(m)
		}
		for _, m := range f.Updated {
			s += "\n  ~ " + describeMarker(m)
		}
		for _, id := range f.Removed {
			s += "\n  - " + id
		}
		return s
	case handler.TypeError:
		return "error: " + env.Reason
	default:
		return fmt.Sprintf("%s: %s", env.Type, string(env.Data))
	}
}

func describeMarker(m spatial.Marker) string {
	if m.Count > 1 {
		return fmt.Sprintf("%s cluster of %d at %.5f,%.5f", m.ID, m.Count, m.Position.Lat, m.Position.Lon)
	}
	return fmt.Sprintf("%s at %.5f,%.5f", m.ID, m.Position.Lat, m.Position.Lon)
}
