package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleSystem returns the full system snapshot: CPU, memory, disk, network,
// uptime, docker facts, and agent process stats. The same collector feeds
// the heartbeat reporter.
func (s *Server) handleSystem(c *gin.Context) {
	info, err := s.system.Collect(c.Request.Context())
	if err != nil {
		s.logger.Error("system info collection failed", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, info)
}
