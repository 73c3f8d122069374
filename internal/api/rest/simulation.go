package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/config"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultFleetName      = "simulated"
	defaultFleetAmount    = 20
	defaultFleetPollDelay = 30
)

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("query param %s must be a number", key)
	}
	return v, nil
}

// GET /start
func (s *Server) start(c *gin.Context) {
	amount, err := queryInt(c, "amount", defaultFleetAmount)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	pollDelay, err := queryInt(c, "polldelay", defaultFleetPollDelay)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if amount < 0 || pollDelay < 0 {
		c.String(http.StatusBadRequest, "amount and polldelay must not be negative")
		return
	}

	api := c.DefaultQuery("api", "dmf")
	protocol, ok := types.ParseProtocol(api)
	if !ok {
		c.String(http.StatusBadRequest, "query param api only allows value of 'dmf' or 'ddi'")
		return
	}
	if protocol == types.ProtocolPush && !s.sim.DMFEnabled() {
		c.String(http.StatusBadRequest,
			"The DMF interface has been disabled, to use DMF protocol you need to enable it via 'dmf.enabled=true'")
		return
	}

	fleet := config.Autostart{
		Name:         c.DefaultQuery("name", defaultFleetName),
		Amount:       amount,
		Tenant:       c.Query("tenant"),
		API:          api,
		Endpoint:     c.DefaultQuery("endpoint", s.cfg.DDI.Endpoint),
		PollDelay:    pollDelay,
		GatewayToken: c.DefaultQuery("gatewaytoken", s.cfg.DDI.GatewayToken),
	}

	created, protocol, err := s.sim.StartFleet(c.Request.Context(), fleet)
	if err != nil {
		s.logger.Warn("Failed to start fleet",
			zap.String("name", fleet.Name),
			zap.Int("created", created),
			zap.Error(err))
		c.String(http.StatusInternalServerError, fmt.Sprintf("Created %d of %d targets: %v", created, amount, err))
		return
	}

	c.String(http.StatusOK, fmt.Sprintf("Updated %d %s connected targets!", created, protocol))
}

// GET /attributes
func (s *Server) attributes(c *gin.Context) {
	controllerID := c.Query("controllerid")
	key := c.Query("key")
	if controllerID == "" || key == "" {
		c.String(http.StatusBadRequest, "query params controllerid and key are required")
		return
	}

	mode := types.ParseUpdateMode(c.DefaultQuery("mode", "merge"))
	err := s.sim.UpdateAttribute(c.Request.Context(), c.Query("tenant"), controllerID, mode, key, c.Query("value"))
	switch {
	case errors.Is(err, types.ErrDeviceNotFound):
		c.Status(http.StatusNotFound)
	case err != nil:
		c.String(http.StatusInternalServerError, err.Error())
	default:
		c.String(http.StatusOK, "Update triggered")
	}
}

// GET /remove
func (s *Server) remove(c *gin.Context) {
	controllerID := c.Query("controllerid")
	if controllerID == "" {
		c.String(http.StatusBadRequest, "query param controllerid is required")
		return
	}

	err := s.sim.RemoveDevice(c.Request.Context(), c.Query("tenant"), controllerID)
	switch {
	case errors.Is(err, types.ErrDeviceNotFound):
		c.Status(http.StatusNotFound)
	case err != nil:
		c.String(http.StatusInternalServerError, err.Error())
	default:
		c.String(http.StatusOK, "Deleted")
	}
}

// GET /reset
func (s *Server) reset(c *gin.Context) {
	if err := s.sim.Reset(c.Request.Context()); err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.String(http.StatusOK, "All simulated devices have been removed.")
}
