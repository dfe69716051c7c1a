package location

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// FieldError describes one offending field of a rejected sample.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is the typed rejection returned by Validate.
type ValidationError struct {
	VehicleID string
	Fields    []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Reason)
	}
	id := e.VehicleID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("location: invalid sample for vehicle %s: %s", id, strings.Join(parts, "; "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report wire names ("latitude") instead of Go names ("Latitude").
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// timeLayouts are tried in order for string timestamps that are not plain
// unix epochs.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Validate checks raw for required fields, coordinate ranges and a parseable
// timestamp. It has no side effects; a nil error means the returned Sample is
// safe to hand to the store.
func Validate(raw RawSample) (Sample, error) {
	verr := &ValidationError{VehicleID: raw.VehicleID}

	if err := validate.Struct(raw); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				verr.Fields = append(verr.Fields, FieldError{Field: fe.Field(), Reason: reasonFor(fe)})
			}
		} else {
			verr.Fields = append(verr.Fields, FieldError{Field: "sample", Reason: err.Error()})
		}
	}

	optional := []struct {
		name string
		v    *float64
	}{
		{"speed", raw.Speed},
		{"heading", raw.Heading},
		{"eta", raw.ETA},
	}
	for _, o := range optional {
		if o.v != nil && !finite(*o.v) {
			verr.Fields = append(verr.Fields, FieldError{Field: o.name, Reason: "must be a finite number"})
		}
	}

	var ts time.Time
	if raw.Timestamp != "" {
		var err error
		ts, err = ParseTimestamp(string(raw.Timestamp))
		if err != nil {
			verr.Fields = append(verr.Fields, FieldError{Field: "timestamp", Reason: "is not a recognised timestamp"})
		}
	}

	if len(verr.Fields) > 0 {
		return Sample{}, verr
	}

	return Sample{
		VehicleID: raw.VehicleID,
		DriverID:  raw.DriverID,
		Latitude:  *raw.Latitude,
		Longitude: *raw.Longitude,
		Timestamp: ts,
		Speed:     raw.Speed,
		Heading:   raw.Heading,
		ETA:       raw.ETA,
	}, nil
}

// ParseTimestamp accepts RFC 3339 variants and unix epochs. Epoch values above
// 1e12 are read as milliseconds, smaller ones as seconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if !finite(n) || n <= 0 {
			return time.Time{}, fmt.Errorf("location: epoch %q out of range", s)
		}
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("location: unrecognised timestamp %q", s)
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
