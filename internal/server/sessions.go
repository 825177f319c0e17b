package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/acp"
	"github.com/samcloud/node-agent/internal/store"
	"github.com/samcloud/node-agent/internal/workspace"
)

type registerSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Label     string `json:"label"`
}

type startSessionRequest struct {
	AgentType     string `json:"agentType" binding:"required"`
	InitialPrompt string `json:"initialPrompt"`
}

type sessionResponse struct {
	SessionID  string `json:"sessionId"`
	AgentType  string `json:"agentType,omitempty"`
	Status     string `json:"status"`
	Label      string `json:"label,omitempty"`
	LastPrompt string `json:"lastPrompt,omitempty"`
	Live       bool   `json:"live"`
}

// handleListSessions merges live hosts with persisted records so suspended
// sessions stay visible.
func (s *Server) handleListSessions(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}

	hosts := ws.Hosts()
	byID := make(map[string]sessionResponse)
	for id, h := range hosts {
		byID[id] = sessionResponse{
			SessionID: id,
			AgentType: h.AgentType(),
			Status:    string(h.Status()),
			Live:      true,
		}
	}
	if s.store != nil {
		recs, err := s.store.ListACPSessions(ws.ID)
		if err != nil {
			s.logger.Warn("listing persisted sessions failed", zap.Error(err))
		}
		for _, rec := range recs {
			if _, live := byID[rec.SessionID]; live {
				resp := byID[rec.SessionID]
				resp.Label = rec.Label
				resp.LastPrompt = rec.LastPrompt
				byID[rec.SessionID] = resp
				continue
			}
			byID[rec.SessionID] = sessionResponse{
				SessionID:  rec.SessionID,
				AgentType:  rec.AgentType,
				Status:     rec.Status,
				Label:      rec.Label,
				LastPrompt: rec.LastPrompt,
			}
		}
	}

	out := make([]sessionResponse, 0, len(byID))
	for _, resp := range byID {
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// handleRegisterSession records a session without starting a subprocess.
func (s *Server) handleRegisterSession(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	var req registerSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if s.cfg.Limits.MaxSessionsPerWspace > 0 {
		if recs, err := s.store.ListACPSessions(ws.ID); err == nil && len(recs) >= s.cfg.Limits.MaxSessionsPerWspace {
			errorJSON(c, http.StatusConflict, "limit_reached", "session limit reached for workspace")
			return
		}
	}
	if err := s.store.UpsertACPSession(store.ACPSessionRecord{
		SessionID:   req.SessionID,
		WorkspaceID: ws.ID,
		Label:       req.Label,
		Status:      "registered",
	}); err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{SessionID: req.SessionID, Status: "registered", Label: req.Label})
}

// handleStartSession launches the agent subprocess and, when given, delivers
// the initial prompt. The work continues after the 202.
func (s *Server) handleStartSession(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sessionID := c.Param("sid")
	host := s.getOrCreateHost(ws, sessionID)

	go func() {
		ctx := context.Background()
		host.SelectAgent(ctx, req.AgentType)
		if host.Status() != acp.HostReady {
			return
		}
		if req.InitialPrompt == "" {
			return
		}
		params, err := json.Marshal(map[string]any{
			"prompt": []map[string]string{{"type": "text", "text": req.InitialPrompt}},
		})
		if err != nil {
			return
		}
		host.HandlePrompt(ctx, nil, params, "")
	}()

	c.JSON(http.StatusAccepted, gin.H{"sessionId": sessionID, "status": "accepted"})
}

func (s *Server) handleCancelSession(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	host := ws.Host(c.Param("sid"))
	if host == nil {
		errorJSON(c, http.StatusNotFound, "not_found", "session not running")
		return
	}
	host.CancelPrompt()
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	sessionID := c.Param("sid")
	if host := ws.Host(sessionID); host != nil {
		host.Stop()
		ws.RemoveHost(sessionID)
	}
	if s.store != nil {
		if err := s.store.DeleteACPSession(sessionID); err != nil {
			s.logger.Warn("deleting persisted session failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

// handleACPWS attaches a viewer to the session's message stream, creating
// the host on first contact. Suspended sessions resume from their persisted
// agent and ACP session IDs.
func (s *Server) handleACPWS(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	sessionID := c.Param("sid")
	host := s.getOrCreateHost(ws, sessionID)

	conn, err := s.gw.Upgrade(c.Writer, c.Request)
	if err != nil {
		// Upgrade wrote the HTTP error already.
		return
	}

	// A resumable session restarts its agent on first viewer contact.
	if host.Status() == acp.HostIdle && host.AgentType() == "" {
		if rec := s.persistedSession(sessionID); rec != nil && rec.AgentType != "" {
			go host.SelectAgent(context.Background(), rec.AgentType)
		}
	}

	s.gw.ServeACP(c.Request.Context(), conn, host, uuid.NewString())
}

func (s *Server) persistedSession(sessionID string) *store.ACPSessionRecord {
	if s.store == nil {
		return nil
	}
	rec, err := s.store.GetACPSession(sessionID)
	if err != nil {
		s.logger.Warn("loading persisted session failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	return rec
}

// getOrCreateHost returns the workspace's live host for a session, building
// one from config and any persisted record when absent.
func (s *Server) getOrCreateHost(ws *workspace.Workspace, sessionID string) *acp.SessionHost {
	if host := ws.Host(sessionID); host != nil {
		return host
	}

	var label, prevAgent, prevACPSession string
	if rec := s.persistedSession(sessionID); rec != nil {
		label = rec.Label
		prevAgent = rec.AgentType
		prevACPSession = rec.ACPSessionID
	}

	cfg := acp.HostConfig{
		SessionID:   sessionID,
		WorkspaceID: ws.ID,
		Label:       label,

		ControlPlaneURL: s.cfg.Node.ControlPlaneURL,
		CallbackToken:   s.callbackToken(),

		ContainerResolver: ws.Discovery.Resolver(),
		ContainerUser:     s.cfg.Container.User,
		ContainerWorkDir:  ws.ContainerWorkDir,

		InitTimeout:        time.Duration(s.cfg.ACP.InitTimeoutMs) * time.Millisecond,
		PromptTimeout:      s.cfg.ACP.PromptTimeout,
		CancelGracePeriod:  s.cfg.ACP.CancelGracePeriod,
		MaxRestartAttempts: s.cfg.ACP.MaxRestartAttempts,
		MessageBufferSize:  s.cfg.ACP.MessageBufferSize,
		ViewerSendBuffer:   s.cfg.ACP.ViewerSendBuffer,

		PreviousAgentType:    prevAgent,
		PreviousACPSessionID: prevACPSession,

		Messages: s.messages,
		Errors:   s.errors,
		Records:  s.store,

		GitTokenFetcher: s.gitToken,
		OnSuspend: func(workspaceID, suspendedID string) {
			ws.RemoveHost(suspendedID)
		},
		OnEvent: func(level, eventType, message string) {
			s.manager.Events().Append(ws.ID, level, eventType, message,
				map[string]any{"sessionId": sessionID})
		},
		OnBufferEvict: s.bufferEvict(ws, sessionID),
	}

	host := acp.NewSessionHost(cfg, s.logger)
	registered := ws.RegisterHost(sessionID, host)
	if registered != host {
		// Lost the race; discard ours.
		host.Stop()
	}
	return registered
}

// bufferEvict records a replay-truncation marker in the workspace event log
// so viewers joining later know the earliest agent messages are gone from
// the replay window.
func (s *Server) bufferEvict(ws *workspace.Workspace, sessionID string) func(dropped int) {
	return func(dropped int) {
		s.manager.Events().Append(ws.ID, "warn", "acp.replay_truncated",
			"oldest agent messages evicted from the replay buffer",
			map[string]any{"sessionId": sessionID, "dropped": dropped})
		s.logger.Debug("message buffer evicted entries",
			zap.String("session_id", sessionID), zap.Int("dropped", dropped))
	}
}
