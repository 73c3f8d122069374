package rest

import (
	"context"
	"net/http"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.sim.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/system/reset
func (s *Server) resetSystem(c *gin.Context) {
	if err := s.sim.Reset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("SYSTEM_500", "Failed to reset", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "All simulated devices have been removed.",
	})
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// Trigger shutdown in background, the request context ends with this handler
	go func() {
		if err := s.sim.Shutdown(context.Background()); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}
