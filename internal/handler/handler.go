// Package handler exposes the tracker over HTTP and WebSocket.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracking"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// VehicleReader is the read side of the vehicle store.
type VehicleReader interface {
	Get(id string) (tracking.VehicleState, bool)
	GetAll() []tracking.VehicleState
	Stats() tracking.Stats
	Len() int
}

// Ingest accepts inbound events for the tracker loop.
type Ingest interface {
	Submit(msg transport.Message)
}

// ReporterLister lists the reporters that announced themselves.
type ReporterLister interface {
	Expected() []transport.ReporterEvent
}

// statusView is the JSON form of a transport.Status.
type statusView struct {
	State   transport.State `json:"state"`
	Channel string          `json:"channel,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Since   *time.Time      `json:"since,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func newStatusView(st transport.Status) statusView {
	v := statusView{State: st.State, Channel: st.Channel, Attempt: st.Attempt}
	if !st.Since.IsZero() {
		since := st.Since.UTC()
		v.Since = &since
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	return v
}

func parseRequiredFloat(c *gin.Context, name string) (float64, bool) {
	raw := c.Query(name)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " query parameter is required"})
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a valid number"})
		return 0, false
	}
	return v, true
}
