// Package geo provides the coordinate primitives shared by the tracker:
// points, bounding boxes, great-circle distance and map resolution.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// earthRadiusMeters is the mean Earth radius used by HaversineMeters.
const earthRadiusMeters = 6_371_000.0

// Point is a WGS-84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether p lies within the WGS-84 coordinate ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// HaversineMeters returns the great-circle distance between a and b in metres.
func HaversineMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BBox is a rectangular viewport. When SouthWest.Lon > NorthEast.Lon the box
// crosses the antimeridian.
type BBox struct {
	SouthWest Point `json:"sw"`
	NorthEast Point `json:"ne"`
}

// Valid reports whether both corners are valid coordinates and the box is not
// inverted on the latitude axis.
func (b BBox) Valid() bool {
	return b.SouthWest.Valid() && b.NorthEast.Valid() && b.SouthWest.Lat <= b.NorthEast.Lat
}

// CrossesAntimeridian reports whether the box wraps past longitude ±180.
func (b BBox) CrossesAntimeridian() bool {
	return b.SouthWest.Lon > b.NorthEast.Lon
}

// Contains reports whether p lies inside b, edges included.
func (b BBox) Contains(p Point) bool {
	if p.Lat < b.SouthWest.Lat || p.Lat > b.NorthEast.Lat {
		return false
	}
	if b.CrossesAntimeridian() {
		return p.Lon >= b.SouthWest.Lon || p.Lon <= b.NorthEast.Lon
	}
	return p.Lon >= b.SouthWest.Lon && p.Lon <= b.NorthEast.Lon
}

// Intersects reports whether the rectangle [minLat,maxLat]x[minLon,maxLon]
// overlaps b.
func (b BBox) Intersects(minLat, maxLat, minLon, maxLon float64) bool {
	if maxLat < b.SouthWest.Lat || minLat > b.NorthEast.Lat {
		return false
	}
	if b.CrossesAntimeridian() {
		return maxLon >= b.SouthWest.Lon || minLon <= b.NorthEast.Lon
	}
	return maxLon >= b.SouthWest.Lon && minLon <= b.NorthEast.Lon
}

// Covers reports whether the rectangle lies entirely inside b.
func (b BBox) Covers(minLat, maxLat, minLon, maxLon float64) bool {
	if minLat < b.SouthWest.Lat || maxLat > b.NorthEast.Lat {
		return false
	}
	if b.CrossesAntimeridian() {
		return minLon >= b.SouthWest.Lon || maxLon <= b.NorthEast.Lon
	}
	return minLon >= b.SouthWest.Lon && maxLon <= b.NorthEast.Lon
}

// Center returns the midpoint of the box.
func (b BBox) Center() Point {
	lon := (b.SouthWest.Lon + b.NorthEast.Lon) / 2
	if b.CrossesAntimeridian() {
		lon += 180
		if lon > 180 {
			lon -= 360
		}
	}
	return Point{Lat: (b.SouthWest.Lat + b.NorthEast.Lat) / 2, Lon: lon}
}

// MetersPerPixel returns the web-mercator ground resolution at lat for the
// given zoom level, assuming 256px tiles.
func MetersPerPixel(lat float64, zoom int) float64 {
	if zoom < 0 {
		zoom = 0
	}
	return 156543.03392 * math.Cos(lat*math.Pi/180) / math.Pow(2, float64(zoom))
}

// Geohash encodes p at the given character precision.
func Geohash(p Point, precision uint) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lon, precision)
}
