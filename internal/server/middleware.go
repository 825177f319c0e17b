package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/samcloud/node-agent/internal/gateway"
)

const claimsKey = "managementClaims"

// requireAuth validates the management JWT and the routing context. The
// routing headers are authoritative: they are set by the control plane's
// gateway, and the token's workspaceId/nodeId claims must agree with them
// and with the route.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.validator == nil {
			errorJSON(c, http.StatusUnauthorized, "unauthorized", "token validation unavailable")
			return
		}
		token := gateway.BearerToken(c.Request)
		if token == "" {
			errorJSON(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := s.validator.Validate(token)
		if err != nil {
			errorJSON(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if claims.WorkspaceID == "" && claims.NodeID == "" {
			errorJSON(c, http.StatusUnauthorized, "unauthorized", "token carries no workspace or node claim")
			return
		}
		if claims.NodeID != "" && claims.NodeID != s.cfg.Node.NodeID {
			errorJSON(c, http.StatusForbidden, "forbidden", "token issued for another node")
			return
		}
		if nodeHeader := c.GetHeader(gateway.HeaderNodeID); nodeHeader != "" && nodeHeader != s.cfg.Node.NodeID {
			errorJSON(c, http.StatusForbidden, "forbidden", "request routed to wrong node")
			return
		}

		// Workspace-scoped tokens only reach their own workspace.
		if wsID := c.Param("id"); wsID != "" && claims.WorkspaceID != "" && claims.WorkspaceID != wsID {
			errorJSON(c, http.StatusForbidden, "forbidden", "token issued for another workspace")
			return
		}
		if wsHeader := c.GetHeader(gateway.HeaderWorkspaceID); wsHeader != "" && claims.WorkspaceID != "" && claims.WorkspaceID != wsHeader {
			errorJSON(c, http.StatusForbidden, "forbidden", "routing header does not match token")
			return
		}

		// Client-supplied routing headers are replaced with the validated
		// values; downstream handlers only ever see authoritative ones.
		c.Request.Header.Set(gateway.HeaderNodeID, s.cfg.Node.NodeID)
		if claims.WorkspaceID != "" {
			c.Request.Header.Set(gateway.HeaderWorkspaceID, claims.WorkspaceID)
		} else {
			c.Request.Header.Del(gateway.HeaderWorkspaceID)
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// requestClaims returns the validated claims, or nil when auth is disabled.
func requestClaims(c *gin.Context) *gateway.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*gateway.Claims)
	return claims
}
