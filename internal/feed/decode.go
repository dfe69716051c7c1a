package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
)

// Decoder turns a response body into raw samples. Entries that cannot be
// mapped are skipped; validation happens downstream.
type Decoder func(body []byte) ([]location.RawSample, error)

// Supported feed formats.
const (
	FormatJSON   = "json"
	FormatGTFSRT = "gtfs-rt"
)

// DecoderFor returns the decoder registered for format.
func DecoderFor(format string) (Decoder, error) {
	switch format {
	case FormatJSON, "":
		return DecodeJSON, nil
	case FormatGTFSRT:
		return DecodeGTFSRT, nil
	default:
		return nil, fmt.Errorf("feed: unknown format %q", format)
	}
}

// DecodeJSON accepts either a bare array of samples or an object of the form
// {"vehicles": [...]}.
func DecodeJSON(body []byte) ([]location.RawSample, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	if body[0] == '[' {
		var out []location.RawSample
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("feed: decode json array: %w", err)
		}
		return out, nil
	}

	var wrapped struct {
		Vehicles []location.RawSample `json:"vehicles"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("feed: decode json object: %w", err)
	}
	return wrapped.Vehicles, nil
}

// DecodeGTFSRT reads a GTFS-Realtime FeedMessage and maps each VehiclePosition
// entity to a sample. Speed is converted from m/s to km/h; bearing becomes
// heading. Entities without a timestamp inherit the header timestamp.
func DecodeGTFSRT(body []byte) ([]location.RawSample, error) {
	var msg gtfs.FeedMessage
	if err := proto.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("feed: decode gtfs-rt: %w", err)
	}

	headerTS := msg.GetHeader().GetTimestamp()
	out := make([]location.RawSample, 0, len(msg.GetEntity()))
	for _, ent := range msg.GetEntity() {
		vp := ent.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}

		id := vp.GetVehicle().GetId()
		if id == "" {
			id = vp.GetVehicle().GetLabel()
		}
		if id == "" {
			id = ent.GetId()
		}
		if id == "" {
			continue
		}

		pos := vp.GetPosition()
		if pos.Latitude == nil || pos.Longitude == nil {
			continue
		}
		lat := float64(pos.GetLatitude())
		lon := float64(pos.GetLongitude())

		ts := vp.GetTimestamp()
		if ts == 0 {
			ts = headerTS
		}

		s := location.RawSample{VehicleID: id, Latitude: &lat, Longitude: &lon}
		if ts != 0 {
			s.Timestamp = location.TimeValue(strconv.FormatUint(ts, 10))
		}
		if pos.Bearing != nil {
			h := float64(pos.GetBearing())
			s.Heading = &h
		}
		if pos.Speed != nil {
			kmh := float64(pos.GetSpeed()) * 3.6
			s.Speed = &kmh
		}
		out = append(out, s)
	}
	return out, nil
}
