package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/workspace"
)

func (s *Server) handleCreateWorkspace(c *gin.Context) {
	var req workspace.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	snap, err := s.manager.Create(c.Request.Context(), req)
	switch {
	case errors.Is(err, workspace.ErrAlreadyExists):
		errorJSON(c, http.StatusConflict, "already_exists", "workspace already exists")
		return
	case errors.Is(err, workspace.ErrLimitReached):
		errorJSON(c, http.StatusConflict, "limit_reached", "workspace limit reached")
		return
	case errors.Is(err, workspace.ErrNodeStopping):
		errorJSON(c, http.StatusServiceUnavailable, "node_stopping", "node is shutting down")
		return
	case err != nil:
		s.logger.Error("workspace create failed", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleListWorkspaces(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workspaces": s.manager.List()})
}

func (s *Server) handleGetWorkspace(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ws.Snapshot())
}

func (s *Server) handleStopWorkspace(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	if err := s.manager.Stop(c.Request.Context(), ws.ID); err != nil {
		s.logger.Error("workspace stop failed", zap.String("workspace_id", ws.ID), zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "stop_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, ws.Snapshot())
}

func (s *Server) handleRestartWorkspace(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	err := s.manager.Restart(c.Request.Context(), ws.ID)
	switch {
	case errors.Is(err, workspace.ErrNodeStopping):
		errorJSON(c, http.StatusServiceUnavailable, "node_stopping", "node is shutting down")
		return
	case err != nil:
		s.logger.Error("workspace restart failed", zap.String("workspace_id", ws.ID), zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "restart_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, ws.Snapshot())
}

func (s *Server) handleDeleteWorkspace(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	if err := s.manager.Delete(c.Request.Context(), ws.ID); err != nil {
		s.logger.Error("workspace delete failed", zap.String("workspace_id", ws.ID), zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWorkspaceEvents(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{"events": s.manager.Events().WorkspaceEvents(ws.ID, limit)})
}

func (s *Server) handleNodeEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{"events": s.manager.Events().NodeEvents(limit)})
}

// workspaceOr404 resolves the :id route param, writing the 404 itself.
func (s *Server) workspaceOr404(c *gin.Context) (*workspace.Workspace, bool) {
	ws, err := s.manager.Get(c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, "not_found", "workspace not found")
		return nil, false
	}
	return ws, true
}
