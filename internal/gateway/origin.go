package gateway

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// OriginChecker validates the Origin header of WebSocket upgrade requests.
// WebSocket upgrades bypass CORS, so origins must be checked explicitly.
type OriginChecker struct {
	allowed []string
	logger  *logger.Logger
}

// NewOriginChecker builds a checker over an allowlist. Entries may be exact
// origins, "*" (allow all, development only), or wildcard subdomain patterns
// like "https://*.example.com".
func NewOriginChecker(allowed []string, log *logger.Logger) *OriginChecker {
	return &OriginChecker{allowed: allowed, logger: log}
}

// Allowed reports whether the request's origin may upgrade. Requests with no
// Origin header (same-origin or non-browser clients) are allowed.
func (c *OriginChecker) Allowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, pattern := range c.allowed {
		if pattern == "*" || pattern == origin {
			return true
		}
		if strings.Contains(pattern, "*") && matchWildcardOrigin(origin, pattern) {
			return true
		}
	}
	c.logger.Warn("websocket origin rejected",
		zap.String("origin", origin),
		zap.Strings("allowed", c.allowed))
	return false
}

// matchWildcardOrigin matches "https://foo.example.com" against a pattern
// like "https://*.example.com". The wildcard part must not contain "/".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return len(middle) > 0 && !strings.Contains(middle, "/")
}

func (g *Gateway) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  g.cfg.ReadBufferSize,
		WriteBufferSize: g.cfg.WriteBufferSize,
		CheckOrigin:     g.origins.Allowed,
	}
}
