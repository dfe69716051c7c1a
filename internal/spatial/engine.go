package spatial

import (
	"slices"
	"sync"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/events"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracking"
)

// Snapshotter is the read side of the vehicle store.
type Snapshotter interface {
	GetAll() []tracking.VehicleState
}

// Viewport is the visible map area.
type Viewport struct {
	Bounds geo.BBox `json:"bounds"`
	Zoom   int      `json:"zoom"`
}

// View is the answer to a viewport query.
type View struct {
	Viewport Viewport                `json:"viewport"`
	Vehicles []tracking.VehicleState `json:"vehicles"`
	Clusters []Cluster               `json:"clusters,omitempty"`
}

// Marker kinds.
const (
	MarkerVehicle = "vehicle"
	MarkerCluster = "cluster"
)

// Marker is one thing the renderer draws: a single vehicle or a cluster.
type Marker struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Position  geo.Point              `json:"position"`
	Count     int                    `json:"count"`
	MemberIDs []string               `json:"memberIds,omitempty"`
	Vehicle   *tracking.VehicleState `json:"vehicle,omitempty"`
}

func (m Marker) differs(o Marker) bool {
	if m.Kind != o.Kind || m.Position != o.Position || m.Count != o.Count {
		return true
	}
	if !slices.Equal(m.MemberIDs, o.MemberIDs) {
		return true
	}
	if m.Vehicle != nil && o.Vehicle != nil {
		return !m.Vehicle.Last.Timestamp.Equal(o.Vehicle.Last.Timestamp)
	}
	return false
}

// Frame is a diff against the previous frame of the same engine.
type Frame struct {
	Seq      uint64   `json:"seq"`
	Viewport Viewport `json:"viewport"`
	Created  []Marker `json:"created,omitempty"`
	Updated  []Marker `json:"updated,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// Empty reports whether the frame carries no instructions.
func (f Frame) Empty() bool {
	return len(f.Created) == 0 && len(f.Updated) == 0 && len(f.Removed) == 0
}

// Engine tracks one viewer's viewport and turns store changes into render
// diffs. Create one per viewer.
type Engine struct {
	store      Snapshotter
	index      Index
	clusterer  Clusterer
	clustering bool

	mu       sync.Mutex
	viewport *Viewport
	markers  map[string]Marker
	seq      uint64
	frameFns []func(Frame)
	sub      *events.Subscription
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithIndex replaces the default ScanIndex.
func WithIndex(idx Index) EngineOption {
	return func(e *Engine) { e.index = idx }
}

// WithClusterer sets the clustering policy and enables clustering.
func WithClusterer(c Clusterer) EngineOption {
	return func(e *Engine) {
		e.clusterer = c
		e.clustering = true
	}
}

// WithClustering toggles clustering.
func WithClustering(enabled bool) EngineOption {
	return func(e *Engine) { e.clustering = enabled }
}

// NewEngine creates an engine reading from store. Clustering is off unless
// an option enables it.
func NewEngine(store Snapshotter, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		index:     ScanIndex{},
		clusterer: DefaultClusterer(),
		markers:   make(map[string]Marker),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Visible answers a viewport query without touching engine state.
func (e *Engine) Visible(vp Viewport) View {
	all := e.store.GetAll()
	byID := make(map[string]tracking.VehicleState, len(all))
	entries := make([]Entry, 0, len(all))
	for _, v := range all {
		byID[v.ID] = v
		entries = append(entries, Entry{ID: v.ID, Point: v.Last.Point()})
	}

	visible := e.index.Query(entries, vp.Bounds)
	view := View{Viewport: vp, Vehicles: make([]tracking.VehicleState, 0, len(visible))}
	for _, en := range visible {
		view.Vehicles = append(view.Vehicles, byID[en.ID])
	}
	if e.clustering {
		view.Clusters = e.clusterer.Cluster(visible, vp.Zoom, vp.Bounds.Center().Lat)
	}
	return view
}

// SetViewport switches the engine to vp and returns the diff against the
// previous viewport.
func (e *Engine) SetViewport(vp Viewport) Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.viewport = &vp
	f := e.recomputeLocked()
	notify(e.frameFns, f)
	return f
}

// Refresh recomputes the current viewport. Without a viewport it returns an
// empty frame.
func (e *Engine) Refresh() Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.viewport == nil {
		return Frame{}
	}
	f := e.recomputeLocked()
	notify(e.frameFns, f)
	return f
}

// OnFrame registers a receiver for non-empty frames. Receivers run with the
// engine locked, in frame order, and must not call back into the Engine.
func (e *Engine) OnFrame(fn func(Frame)) {
	e.mu.Lock()
	e.frameFns = append(e.frameFns, fn)
	e.mu.Unlock()
}

// Attach recomputes on every vehicle change published on d.
func (e *Engine) Attach(d *events.Distributor) {
	sub := d.Subscribe(func(events.Event) { e.Refresh() },
		events.KindVehicleUpdated, events.KindVehicleRemoved)

	e.mu.Lock()
	old := e.sub
	e.sub = sub
	e.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
}

// Detach stops listening for vehicle changes.
func (e *Engine) Detach() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (e *Engine) recomputeLocked() Frame {
	view := e.Visible(*e.viewport)
	next := markersFor(view, e.clustering)

	f := Frame{Viewport: *e.viewport}
	for _, m := range next {
		prev, ok := e.markers[m.ID]
		switch {
		case !ok:
			f.Created = append(f.Created, m)
		case m.differs(prev):
			f.Updated = append(f.Updated, m)
		}
	}
	seen := make(map[string]Marker, len(next))
	for _, m := range next {
		seen[m.ID] = m
	}
	for id := range e.markers {
		if _, ok := seen[id]; !ok {
			f.Removed = append(f.Removed, id)
		}
	}
	slices.Sort(f.Removed)

	e.markers = seen
	if !f.Empty() {
		e.seq++
		f.Seq = e.seq
	}
	return f
}

func markersFor(view View, clustering bool) []Marker {
	byID := make(map[string]*tracking.VehicleState, len(view.Vehicles))
	for i := range view.Vehicles {
		byID[view.Vehicles[i].ID] = &view.Vehicles[i]
	}

	if !clustering {
		out := make([]Marker, 0, len(view.Vehicles))
		for i := range view.Vehicles {
			out = append(out, vehicleMarker(&view.Vehicles[i]))
		}
		return out
	}

	out := make([]Marker, 0, len(view.Clusters))
	for _, c := range view.Clusters {
		if c.MemberCount == 1 {
			out = append(out, vehicleMarker(byID[c.MemberIDs[0]]))
			continue
		}
		out = append(out, Marker{
			ID:        "cluster:" + c.ID,
			Kind:      MarkerCluster,
			Position:  c.Centroid,
			Count:     c.MemberCount,
			MemberIDs: c.MemberIDs,
		})
	}
	return out
}

func vehicleMarker(v *tracking.VehicleState) Marker {
	return Marker{
		ID:       v.ID,
		Kind:     MarkerVehicle,
		Position: v.Last.Point(),
		Count:    1,
		Vehicle:  v,
	}
}

func notify(fns []func(Frame), f Frame) {
	if f.Empty() {
		return
	}
	for _, fn := range fns {
		fn(f)
	}
}
