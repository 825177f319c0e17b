package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/logreader"
)

func logFilterFromQuery(c *gin.Context) logreader.Filter {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return logreader.Filter{
		Source:    c.DefaultQuery("source", "all"),
		Level:     c.Query("level"),
		Container: c.Query("container"),
		Since:     c.Query("since"),
		Until:     c.Query("until"),
		Search:    c.Query("search"),
		Cursor:    c.Query("cursor"),
		Limit:     limit,
	}
}

func (s *Server) handleLogs(c *gin.Context) {
	filter := logFilterFromQuery(c)
	page, err := s.logs.ReadLogs(c.Request.Context(), filter)
	if err != nil {
		if errors.Is(err, logreader.ErrInvalidFilter) {
			errorJSON(c, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}
		s.logger.Error("log read failed", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, page)
}

// handleLogsWS streams logs over a WebSocket: catch-up entries first, then
// live follow until the client disconnects.
func (s *Server) handleLogsWS(c *gin.Context) {
	filter := logFilterFromQuery(c)
	if err := logreader.ValidateFilter(filter); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	conn, err := s.gw.Upgrade(c.Writer, c.Request)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	entries, err := s.logs.StreamLogs(ctx, filter)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": "stream_failed", "message": err.Error()})
		return
	}

	// Reads only drain client close frames; any read error ends the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for entry := range entries {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}
	// Source closed (shutdown); tell the client we are done.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "log stream ended"),
		time.Now().Add(time.Second))
}
