package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/config"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/interfaces"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/gin-gonic/gin"
)

const defaultFeedbackLimit = 50

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	tenant := c.Query("tenant")

	response := make([]interfaces.DeviceInfo, 0)
	for _, device := range s.sim.Devices() {
		if tenant != "" && device.Tenant != tenant {
			continue
		}
		response = append(response, device)
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": response,
		"count":   len(response),
	})
}

// POST /api/v1/devices
func (s *Server) createDevices(c *gin.Context) {
	var req struct {
		Name         string `json:"name" binding:"required"`
		Amount       int    `json:"amount" binding:"required,min=1"`
		Tenant       string `json:"tenant"`
		API          string `json:"api" binding:"required"`
		Endpoint     string `json:"endpoint"`
		PollDelay    int    `json:"poll_delay" binding:"min=0"`
		GatewayToken string `json:"gateway_token"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	protocol, ok := types.ParseProtocol(req.API)
	if !ok {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Unknown api", req.API))
		return
	}
	if protocol == types.ProtocolPush && !s.sim.DMFEnabled() {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "DMF is disabled", nil))
		return
	}

	fleet := config.Autostart{
		Name:         req.Name,
		Amount:       req.Amount,
		Tenant:       req.Tenant,
		API:          req.API,
		Endpoint:     req.Endpoint,
		PollDelay:    req.PollDelay,
		GatewayToken: req.GatewayToken,
	}
	if fleet.Endpoint == "" {
		fleet.Endpoint = s.cfg.DDI.Endpoint
	}

	created, protocol, err := s.sim.StartFleet(c.Request.Context(), fleet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("DEVICE_500", "Failed to create devices", gin.H{
			"created": created,
			"error":   err.Error(),
		}))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"created":  created,
		"protocol": protocol,
	})
}

// GET /api/v1/devices/:tenant/:id
func (s *Server) getDevice(c *gin.Context) {
	device, exists := s.sim.Device(c.Param("tenant"), c.Param("id"))
	if !exists {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, device)
}

// DELETE /api/v1/devices/:tenant/:id
func (s *Server) deleteDevice(c *gin.Context) {
	err := s.sim.RemoveDevice(c.Request.Context(), c.Param("tenant"), c.Param("id"))
	if errors.Is(err, types.ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", c.Param("id")))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("DEVICE_500", "Failed to delete device", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Device deleted successfully",
	})
}

// PATCH /api/v1/devices/:tenant/:id/attributes
func (s *Server) updateDeviceAttribute(c *gin.Context) {
	var req struct {
		Mode  string `json:"mode"`
		Key   string `json:"key" binding:"required"`
		Value string `json:"value"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	err := s.sim.UpdateAttribute(c.Request.Context(), c.Param("tenant"), c.Param("id"),
		types.ParseUpdateMode(req.Mode), req.Key, req.Value)
	if errors.Is(err, types.ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", c.Param("id")))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("DEVICE_500", "Failed to update attribute", err.Error()))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Update triggered",
	})
}

// GET /api/v1/devices/:tenant/:id/feedback
func (s *Server) getDeviceFeedback(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultFeedbackLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid limit", c.Query("limit")))
		return
	}

	records, err := s.sim.Feedback(c.Request.Context(), c.Param("tenant"), c.Param("id"), limit)
	if errors.Is(err, interfaces.ErrStorageDisabled) {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("DEVICE_503", "Feedback history not available", err.Error()))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("DEVICE_500", "Failed to load feedback", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"feedback": records,
		"count":    len(records),
	})
}
