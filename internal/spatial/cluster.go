package spatial

import (
	"math"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
)

// Cluster groups nearby vehicles for rendering at low zoom.
type Cluster struct {
	ID          string    `json:"id"` // id of the first member, stable while membership holds
	Centroid    geo.Point `json:"centroid"`
	MemberCount int       `json:"memberCount"`
	MemberIDs   []string  `json:"memberIds"`
}

// Clusterer merges entries greedily into the nearest cluster whose centroid
// lies within the zoom threshold. Entries are processed in ID order and ties
// go to the earliest cluster, so the result is deterministic.
type Clusterer struct {
	// RadiusPixels is the merge distance on screen, converted to metres at the
	// viewport latitude.
	RadiusPixels float64
	// MaxZoom disables clustering above this zoom.
	MaxZoom int
	// Thresholds overrides the pixel radius with explicit metres per zoom.
	Thresholds map[int]float64
}

// DefaultClusterer returns the production clustering policy.
func DefaultClusterer() Clusterer {
	return Clusterer{RadiusPixels: 60, MaxZoom: 15}
}

// ThresholdMeters is the merge distance at zoom and latitude lat. Zero
// disables clustering.
func (c Clusterer) ThresholdMeters(zoom int, lat float64) float64 {
	if zoom > c.MaxZoom {
		return 0
	}
	if m, ok := c.Thresholds[zoom]; ok {
		return m
	}
	return c.RadiusPixels * geo.MetersPerPixel(lat, zoom)
}

// Cluster groups entries. entries must already be sorted by ID, as Index
// implementations return them.
func (c Clusterer) Cluster(entries []Entry, zoom int, lat float64) []Cluster {
	threshold := c.ThresholdMeters(zoom, lat)

	clusters := make([]Cluster, 0, len(entries))
	for _, e := range entries {
		best := -1
		bestDist := math.Inf(1)
		if threshold > 0 {
			for i := range clusters {
				d := geo.HaversineMeters(clusters[i].Centroid, e.Point)
				if d <= threshold && d < bestDist {
					best, bestDist = i, d
				}
			}
		}

		if best < 0 {
			clusters = append(clusters, Cluster{
				ID:          e.ID,
				Centroid:    e.Point,
				MemberCount: 1,
				MemberIDs:   []string{e.ID},
			})
			continue
		}

		cl := &clusters[best]
		n := float64(cl.MemberCount)
		cl.Centroid = geo.Point{
			Lat: (cl.Centroid.Lat*n + e.Point.Lat) / (n + 1),
			Lon: (cl.Centroid.Lon*n + e.Point.Lon) / (n + 1),
		}
		cl.MemberCount++
		cl.MemberIDs = append(cl.MemberIDs, e.ID)
	}
	return clusters
}
