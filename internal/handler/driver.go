package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/geo"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/middleware"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// restChannel tags messages that arrived through the REST fallback.
const restChannel = "rest"

// DriverHandler accepts reporter events over plain HTTP, for devices that
// cannot hold a WebSocket open.
type DriverHandler struct {
	ingest Ingest
	now    func() time.Time
}

// NewDriverHandler creates a DriverHandler feeding ingest.
func NewDriverHandler(ingest Ingest) *DriverHandler {
	return &DriverHandler{ingest: ingest, now: time.Now}
}

// authVehicleID extracts the vehicle the caller's token is bound to.
// Sends a 401 or 403 and returns false if it is missing.
func authVehicleID(c *gin.Context) (vehicleID, driverID string, ok bool) {
	v, exists := c.Get(middleware.ContextKeyVehicleID)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return "", "", false
	}
	vehicleID, _ = v.(string)
	if vehicleID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "token is not bound to a vehicle"})
		return "", "", false
	}
	return vehicleID, c.GetString(middleware.ContextKeyDriverID), true
}

// ---------------------------------------------------------------------------
// GPS Position Reporting
// ---------------------------------------------------------------------------

type reportPositionRequest struct {
	Lat       *float64           `json:"lat" binding:"required"`
	Lon       *float64           `json:"lon" binding:"required"`
	Heading   *float64           `json:"heading"`
	Speed     *float64           `json:"speed"`
	ETA       *float64           `json:"eta"`
	Timestamp location.TimeValue `json:"timestamp"`
}

// ReportPosition handles POST /api/v1/driver/position
func (h *DriverHandler) ReportPosition(c *gin.Context) {
	vehicleID, driverID, ok := authVehicleID(c)
	if !ok {
		return
	}

	var req reportPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	raw := location.RawSample{
		VehicleID: vehicleID,
		Latitude:  req.Lat,
		Longitude: req.Lon,
		Timestamp: req.Timestamp,
		Speed:     req.Speed,
		Heading:   req.Heading,
		ETA:       req.ETA,
	}
	if driverID != "" {
		raw.DriverID = &driverID
	}
	if raw.Timestamp == "" {
		raw.Timestamp = location.TimeValue(h.now().UTC().Format(time.RFC3339Nano))
	}

	// Validate here as well so the device gets a useful answer; the tracker
	// validates again when it applies the sample.
	if _, err := location.Validate(raw); err != nil {
		var verr *location.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid sample", "fields": verr.Fields})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.ingest.Submit(transport.Message{Kind: transport.MessageLocationUpdate, Sample: &raw, Channel: restChannel})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// ---------------------------------------------------------------------------
// Stop approach
// ---------------------------------------------------------------------------

type reportApproachRequest struct {
	StopID    string             `json:"stop_id" binding:"required"`
	RouteID   string             `json:"route_id"`
	ETA       *float64           `json:"eta"`
	Location  *geo.Point         `json:"location"`
	Timestamp location.TimeValue `json:"timestamp"`
}

// ReportApproach handles POST /api/v1/driver/approach
func (h *DriverHandler) ReportApproach(c *gin.Context) {
	vehicleID, _, ok := authVehicleID(c)
	if !ok {
		return
	}

	var req reportApproachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ETA != nil && *req.ETA < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "eta must not be negative"})
		return
	}
	if req.Location != nil && !req.Location.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "location is out of range"})
		return
	}

	h.ingest.Submit(transport.Message{
		Kind: transport.MessageApproachNotice,
		Approach: &transport.ApproachNotice{
			VehicleID: vehicleID,
			StopID:    req.StopID,
			RouteID:   req.RouteID,
			ETA:       req.ETA,
			Location:  req.Location,
			Timestamp: req.Timestamp,
		},
		Channel: restChannel,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// ---------------------------------------------------------------------------
// End of shift
// ---------------------------------------------------------------------------

// Disconnect handles POST /api/v1/driver/disconnect
func (h *DriverHandler) Disconnect(c *gin.Context) {
	vehicleID, driverID, ok := authVehicleID(c)
	if !ok {
		return
	}

	h.ingest.Submit(transport.Message{
		Kind:     transport.MessageReporterDisconnected,
		Reporter: &transport.ReporterEvent{VehicleID: vehicleID, DriverID: driverID},
		Channel:  restChannel,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
