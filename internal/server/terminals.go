package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/pty"
)

type terminalInfo struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId,omitempty"`
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`
	Running    bool   `json:"running"`
	Orphaned   bool   `json:"orphaned"`
	CreatedAt  string `json:"createdAt"`
	LastActive string `json:"lastActive"`
}

func (s *Server) handleListTerminals(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}
	sessions := ws.PTY.ListSessions()
	out := make([]terminalInfo, 0, len(sessions))
	for _, sess := range sessions {
		rows, cols := sess.Size()
		out = append(out, terminalInfo{
			SessionID:  sess.ID,
			UserID:     sess.UserID,
			Rows:       rows,
			Cols:       cols,
			Running:    sess.IsRunning(),
			Orphaned:   sess.IsOrphaned(),
			CreatedAt:  sess.CreatedAt.UTC().Format(time.RFC3339),
			LastActive: sess.LastActive().UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"terminals": out})
}

// handleTerminalWS attaches a browser to a shell. `:sid` of "new" creates a
// session; anything else reattaches (replaying scrollback first). Pass
// `takeover=true` to displace a connected viewer.
func (s *Server) handleTerminalWS(c *gin.Context) {
	ws, ok := s.workspaceOr404(c)
	if !ok {
		return
	}

	sid := c.Param("sid")
	takeover := c.Query("takeover") == "true"

	var (
		session *pty.Session
		err     error
	)
	if sid == "new" {
		rows, _ := strconv.Atoi(c.Query("rows"))
		cols, _ := strconv.Atoi(c.Query("cols"))
		userID := ""
		if claims := requestClaims(c); claims != nil {
			userID = claims.Subject
		}
		session, err = ws.PTY.CreateSession(c.Request.Context(), userID, rows, cols)
		if err != nil {
			s.logger.Error("terminal create failed",
				zap.String("workspace_id", ws.ID), zap.Error(err))
			errorJSON(c, http.StatusServiceUnavailable, "terminal_unavailable", err.Error())
			return
		}
	} else {
		session, err = ws.PTY.ReattachSession(sid)
		if err != nil {
			errorJSON(c, http.StatusNotFound, "not_found", "terminal session not found")
			return
		}
	}

	conn, err := s.gw.Upgrade(c.Writer, c.Request)
	if err != nil {
		return
	}
	s.gw.ServeTerminal(c.Request.Context(), conn, session, takeover)

	// The viewer is gone; keep the shell alive for the orphan grace period.
	ws.PTY.OrphanSession(session.ID)
}
