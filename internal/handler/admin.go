package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/service"
)

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	IssueToken(driverID, vehicleID, role string) (string, error)
}

// AdminHandler holds dependencies for admin endpoints.
type AdminHandler struct {
	issuer TokenIssuer
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(issuer TokenIssuer) *AdminHandler {
	return &AdminHandler{issuer: issuer}
}

type issueTokenRequest struct {
	DriverID  string `json:"driver_id"`
	VehicleID string `json:"vehicle_id"`
	Role      string `json:"role" binding:"required,oneof=reporter viewer admin"`
}

// IssueToken handles POST /api/v1/admin/tokens
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.issuer.IssueToken(req.DriverID, req.VehicleID, req.Role)
	switch {
	case errors.Is(err, service.ErrMissingVehicle):
		c.JSON(http.StatusBadRequest, gin.H{"error": "vehicle_id is required for reporter tokens"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"access_token": token, "role": req.Role})
}
