package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// Config holds gateway tunables.
type Config struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int

	// Application-level liveness: the gateway pings each connection every
	// PingInterval and disconnects when no pong arrives within PongTimeout.
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Gateway upgrades and serves interactive WebSocket connections, routing
// them to PTY sessions or ACP session hosts after authentication.
type Gateway struct {
	cfg     Config
	origins *OriginChecker
	logger  *logger.Logger
}

// New creates a gateway.
func New(cfg Config, log *logger.Logger) *Gateway {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 4096
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	log = log.WithFields(zap.String("component", "gateway"))
	return &Gateway{
		cfg:     cfg,
		origins: NewOriginChecker(cfg.AllowedOrigins, log),
		logger:  log,
	}
}

// Upgrade performs the WebSocket upgrade with origin validation.
func (g *Gateway) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := g.newUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// gatewayError is the gateway-level error frame. It is never an ACP payload.
type gatewayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError sends a gateway error frame; failures are ignored because the
// connection is usually about to close anyway.
func writeError(conn *websocket.Conn, code, message string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteJSON(gatewayError{Error: code, Message: message})
}

// closeWith sends a close frame with the given code and reason.
func closeWith(conn *websocket.Conn, closeCode int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason),
		time.Now().Add(5*time.Second),
	)
	_ = conn.Close()
}

// keepAlive enforces ping/pong liveness on a connection: protocol pings go
// out every PingInterval and the read deadline extends on every pong. When
// the peer stops answering, the next read in the owner's loop fails. Returns
// a stop function.
func (g *Gateway) keepAlive(conn *websocket.Conn) (stop func()) {
	deadline := g.cfg.PingInterval + g.cfg.PongTimeout
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(g.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
