package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/spatial"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracker"
)

// defaultZoom is used by the visible query when zoom is omitted.
const defaultZoom = 14

// TrackingHandler serves read-only views of the tracked fleet.
type TrackingHandler struct {
	store      VehicleReader
	reporters  ReporterLister
	upstream   tracker.StatusSource
	index      spatial.Index
	clusterer  spatial.Clusterer
	clustering bool
	now        func() time.Time
}

// TrackingOption configures a TrackingHandler.
type TrackingOption func(*TrackingHandler)

// WithUpstream reports the given connection on /connection.
func WithUpstream(s tracker.StatusSource) TrackingOption {
	return func(h *TrackingHandler) { h.upstream = s }
}

// WithReporters lists announced reporters on /connection.
func WithReporters(r ReporterLister) TrackingOption {
	return func(h *TrackingHandler) { h.reporters = r }
}

// WithSpatial sets the index and clustering policy used by /vehicles/visible.
func WithSpatial(idx spatial.Index, c spatial.Clusterer, clusterByDefault bool) TrackingOption {
	return func(h *TrackingHandler) {
		h.index = idx
		h.clusterer = c
		h.clustering = clusterByDefault
	}
}

// NewTrackingHandler creates a TrackingHandler over store.
func NewTrackingHandler(store VehicleReader, opts ...TrackingOption) *TrackingHandler {
	h := &TrackingHandler{
		store:     store,
		index:     spatial.ScanIndex{},
		clusterer: spatial.DefaultClusterer(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ListVehicles handles GET /api/v1/vehicles
func (h *TrackingHandler) ListVehicles(c *gin.Context) {
	vehicles := h.store.GetAll()
	c.JSON(http.StatusOK, gin.H{
		"vehicles": vehicles,
		"count":    len(vehicles),
		"stats":    h.store.Stats(),
	})
}

// GetVehicle handles GET /api/v1/vehicles/:id
func (h *TrackingHandler) GetVehicle(c *gin.Context) {
	v, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "vehicle not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"vehicle":                v,
		"connection_age_seconds": v.ConnectionAge(h.now()).Seconds(),
	})
}

// VisibleVehicles handles
// GET /api/v1/vehicles/visible?sw_lat=&sw_lon=&ne_lat=&ne_lon=&zoom=&cluster=
func (h *TrackingHandler) VisibleVehicles(c *gin.Context) {
	var box geo.BBox
	var ok bool
	if box.SouthWest.Lat, ok = parseRequiredFloat(c, "sw_lat"); !ok {
		return
	}
	if box.SouthWest.Lon, ok = parseRequiredFloat(c, "sw_lon"); !ok {
		return
	}
	if box.NorthEast.Lat, ok = parseRequiredFloat(c, "ne_lat"); !ok {
		return
	}
	if box.NorthEast.Lon, ok = parseRequiredFloat(c, "ne_lon"); !ok {
		return
	}
	if !box.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bounding box"})
		return
	}

	zoom := defaultZoom
	if raw := c.Query("zoom"); raw != "" {
		z, err := strconv.Atoi(raw)
		if err != nil || z < 0 || z > 22 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "zoom must be an integer between 0 and 22"})
			return
		}
		zoom = z
	}

	clustering := h.clustering
	if raw := c.Query("cluster"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cluster must be a boolean"})
			return
		}
		clustering = b
	}

	engine := spatial.NewEngine(h.store,
		spatial.WithIndex(h.index),
		spatial.WithClusterer(h.clusterer),
		spatial.WithClustering(clustering),
	)
	c.JSON(http.StatusOK, engine.Visible(spatial.Viewport{Bounds: box, Zoom: zoom}))
}

// ConnectionStatus handles GET /api/v1/connection
func (h *TrackingHandler) ConnectionStatus(c *gin.Context) {
	resp := gin.H{"upstream": h.upstream != nil}
	if h.upstream != nil {
		resp["state"] = newStatusView(h.upstream.State())
		channels := make([]statusView, 0)
		for _, st := range h.upstream.Channels() {
			channels = append(channels, newStatusView(st))
		}
		resp["channels"] = channels
	}
	if h.reporters != nil {
		resp["reporters"] = h.reporters.Expected()
	}
	c.JSON(http.StatusOK, resp)
}
