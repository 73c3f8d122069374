package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/scenario"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/scenarios
func (s *Server) listScenarios(c *gin.Context) {
	names := s.sim.Scenarios()
	c.JSON(http.StatusOK, gin.H{
		"scenarios": names,
		"count":     len(names),
	})
}

// POST /api/v1/scenarios/:name/start
func (s *Server) startScenario(c *gin.Context) {
	name := c.Param("name")

	created, err := s.sim.StartScenario(c.Request.Context(), name)
	if errors.Is(err, scenario.ErrNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("SCENARIO_404", "Scenario not found", name))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("SCENARIO_500", "Failed to start scenario", gin.H{
			"created": created,
			"error":   err.Error(),
		}))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scenario": name,
		"created":  created,
	})
}
