package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/pty"
)

// Terminal frame types. Client to server: input, resize, ping. Server to
// client: session, output, pong, detached.
type terminalFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type terminalInput struct {
	Data string `json:"data"`
}

type terminalResize struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// terminalViewer adapts a WebSocket connection to the io.Writer a PTY
// session fans output into. Writes are serialized; live output additionally
// blocks until the scrollback replay has gone out, so a joining viewer sees
// history strictly before anything new. A write failure surfaces to the
// session, which detaches the viewer.
type terminalViewer struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	ready chan struct{} // closed once replay has been written
}

func newTerminalViewer(conn *websocket.Conn) *terminalViewer {
	return &terminalViewer{conn: conn, ready: make(chan struct{})}
}

func (v *terminalViewer) Write(p []byte) (int, error) {
	<-v.ready
	if err := v.writeFrame("output", terminalInput{Data: string(p)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (v *terminalViewer) writeFrame(frameType string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return v.conn.WriteJSON(terminalFrame{Type: frameType, Data: raw})
}

// replay sends the session header and scrollback, then unblocks live output.
func (v *terminalViewer) replay(sessionID string, scrollback []byte) error {
	defer close(v.ready)
	if err := v.writeFrame("session", map[string]string{"sessionId": sessionID}); err != nil {
		return err
	}
	if len(scrollback) == 0 {
		return nil
	}
	return v.writeFrame("output", terminalInput{Data: string(scrollback)})
}

// ServeTerminal attaches conn as the session's interactive viewer and pumps
// frames until the connection closes. At most one viewer may be attached;
// with takeover the previous viewer is disconnected, otherwise the new
// connection is rejected with an attachment_conflict error.
func (g *Gateway) ServeTerminal(ctx context.Context, conn *websocket.Conn, session *pty.Session, takeover bool) {
	log := g.logger.WithFields(zap.String("pty_session_id", session.ID))

	viewer := newTerminalViewer(conn)

	// Attaching returns the scrollback snapshot taken under the session's
	// lock, and the conflict check is part of the same operation: two racing
	// non-takeover connects cannot both win.
	scrollback, prev, err := session.Attach(viewer, takeover)
	if err != nil {
		writeError(conn, "attachment_conflict", "terminal already has an active viewer")
		closeWith(conn, websocket.ClosePolicyViolation, "attachment_conflict")
		return
	}
	defer session.Detach(viewer)

	if prev != nil {
		if pv, ok := prev.(*terminalViewer); ok {
			closeWith(pv.conn, websocket.ClosePolicyViolation, "viewer takeover")
		}
		log.Info("terminal viewer takeover")
	}

	if err := viewer.replay(session.ID, scrollback); err != nil {
		log.Warn("scrollback replay failed", zap.Error(err))
		conn.Close()
		return
	}

	stopPing := g.keepAlive(conn)
	defer stopPing()

	log.Info("terminal viewer attached")

	for {
		select {
		case <-ctx.Done():
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("terminal websocket closed", zap.Error(err))
			}
			return
		}

		var frame terminalFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "input":
			var input terminalInput
			if err := json.Unmarshal(frame.Data, &input); err != nil {
				continue
			}
			if _, err := session.Write([]byte(input.Data)); err != nil {
				log.Warn("pty write failed", zap.Error(err))
				return
			}

		case "resize":
			var resize terminalResize
			if err := json.Unmarshal(frame.Data, &resize); err != nil {
				continue
			}
			if err := session.Resize(resize.Rows, resize.Cols); err != nil {
				log.Warn("pty resize failed", zap.Error(err))
			}

		case "ping":
			_ = viewer.writeFrame("pong", nil)
		}
	}
}
