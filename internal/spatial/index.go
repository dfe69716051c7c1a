// Package spatial answers "which vehicles are visible in this viewport and
// how should they be grouped at this zoom". It keeps no vehicle state of its
// own: every answer is recomputed from a store snapshot.
package spatial

import (
	"sort"

	"github.com/mmcloughlin/geohash"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
)

// Entry is one vehicle position fed to an Index.
type Entry struct {
	ID    string
	Point geo.Point
}

// Index selects the entries inside a box. Implementations must return
// entries sorted by ID.
type Index interface {
	Query(entries []Entry, box geo.BBox) []Entry
}

// ScanIndex tests every entry for containment.
type ScanIndex struct{}

// Query satisfies Index.
func (ScanIndex) Query(entries []Entry, box geo.BBox) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if box.Contains(e.Point) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// GeohashIndex buckets entries by geohash cell and only tests entries in
// cells that straddle the viewport edge; cells fully inside are taken
// wholesale and cells fully outside are skipped.
type GeohashIndex struct {
	Precision uint // cell precision; 5 (~4.9 km cells) when zero
}

// Query satisfies Index.
func (g GeohashIndex) Query(entries []Entry, box geo.BBox) []Entry {
	precision := g.Precision
	if precision == 0 {
		precision = 5
	}

	cells := make(map[string][]Entry)
	for _, e := range entries {
		h := geohash.EncodeWithPrecision(e.Point.Lat, e.Point.Lon, precision)
		cells[h] = append(cells[h], e)
	}

	out := make([]Entry, 0, len(entries))
	for h, members := range cells {
		cell := geohash.BoundingBox(h)
		switch {
		case !box.Intersects(cell.MinLat, cell.MaxLat, cell.MinLng, cell.MaxLng):
			continue
		case box.Covers(cell.MinLat, cell.MaxLat, cell.MinLng, cell.MaxLng):
			out = append(out, members...)
		default:
			for _, e := range members {
				if box.Contains(e.Point) {
					out = append(out, e)
				}
			}
		}
	}
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}

var (
	_ Index = ScanIndex{}
	_ Index = GeohashIndex{}
)
