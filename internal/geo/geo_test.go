package geo

import (
	"math"
	"testing"
)

func TestHaversineMeters_KnownDistance(t *testing.T) {
	// Ahmedabad sample pair, roughly 15 m apart.
	a := Point{Lat: 23.0225, Lon: 72.5714}
	b := Point{Lat: 23.0226, Lon: 72.5715}

	d := HaversineMeters(a, b)
	if d < 14 || d > 16 {
		t.Errorf("distance = %.2f m, want ~15 m", d)
	}
}

func TestHaversineMeters_ZeroForSamePoint(t *testing.T) {
	p := Point{Lat: -12.0464, Lon: -77.0428}
	if d := HaversineMeters(p, p); d != 0 {
		t.Errorf("distance = %f, want 0", d)
	}
}

func TestHaversineMeters_AcrossAntimeridian(t *testing.T) {
	a := Point{Lat: 0, Lon: 179.9999}
	b := Point{Lat: 0, Lon: -179.9999}
	d := HaversineMeters(a, b)
	if d > 50 {
		t.Errorf("distance = %.2f m, want < 50 m across the antimeridian", d)
	}
}

func TestBBoxContains(t *testing.T) {
	box := BBox{SouthWest: Point{Lat: 23.00, Lon: 72.50}, NorthEast: Point{Lat: 23.10, Lon: 72.60}}
	wrap := BBox{SouthWest: Point{Lat: -10, Lon: 170}, NorthEast: Point{Lat: 10, Lon: -170}}

	tests := []struct {
		name string
		box  BBox
		p    Point
		want bool
	}{
		{"inside", box, Point{Lat: 23.05, Lon: 72.55}, true},
		{"on edge", box, Point{Lat: 23.00, Lon: 72.60}, true},
		{"north of box", box, Point{Lat: 23.2, Lon: 72.55}, false},
		{"west of box", box, Point{Lat: 23.05, Lon: 72.4}, false},
		{"wrapping east side", wrap, Point{Lat: 0, Lon: 175}, true},
		{"wrapping west side", wrap, Point{Lat: 0, Lon: -175}, true},
		{"wrapping outside", wrap, Point{Lat: 0, Lon: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.box.Contains(tt.p); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestBBoxValid(t *testing.T) {
	if (BBox{SouthWest: Point{Lat: 10}, NorthEast: Point{Lat: 5}}).Valid() {
		t.Error("inverted latitude box reported valid")
	}
	if (BBox{SouthWest: Point{Lat: math.NaN()}, NorthEast: Point{Lat: 5}}).Valid() {
		t.Error("NaN corner reported valid")
	}
	if !(BBox{SouthWest: Point{Lat: -1, Lon: -1}, NorthEast: Point{Lat: 1, Lon: 1}}).Valid() {
		t.Error("ordinary box reported invalid")
	}
}

func TestMetersPerPixel_HalvesPerZoom(t *testing.T) {
	z10 := MetersPerPixel(0, 10)
	z11 := MetersPerPixel(0, 11)
	if math.Abs(z10/z11-2) > 1e-9 {
		t.Errorf("ratio = %f, want 2", z10/z11)
	}
}

func TestGeohash_Precision(t *testing.T) {
	h := Geohash(Point{Lat: 23.0225, Lon: 72.5714}, 7)
	if len(h) != 7 {
		t.Errorf("len(hash) = %d, want 7", len(h))
	}
}
