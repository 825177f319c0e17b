package gateway

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/acp"
)

// ServeACP attaches conn as a viewer of the session host and runs the read
// loop until the connection closes. The agent process is unaffected by
// viewers coming and going; control frames route to host operations and
// everything else is pass-through JSON-RPC for the agent.
func (g *Gateway) ServeACP(ctx context.Context, conn *websocket.Conn, host *acp.SessionHost, viewerID string) {
	log := g.logger.WithFields(
		zap.String("acp_session_id", host.SessionID()),
		zap.String("viewer_id", viewerID))

	viewer := host.AttachViewer(viewerID, conn)
	if viewer == nil {
		writeError(conn, "session_not_running", "session was stopped")
		closeWith(conn, websocket.ClosePolicyViolation, "session_not_running")
		return
	}
	defer host.DetachViewer(viewerID)

	stopPing := g.keepAlive(conn)
	defer stopPing()

	log.Info("acp viewer connected", zap.Int("viewer_count", host.ViewerCount()))
	defer func() {
		log.Info("acp viewer disconnected", zap.Int("viewer_count", host.ViewerCount()))
	}()

	// The host's write pump owns outbound traffic; this loop only reads.
	// viewer.Done() fires when the host drops the viewer (stop, suspend, or
	// write failure) so the loop exits without waiting out the read deadline.
	readCh := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(readCh)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case readCh <- data:
			case <-viewer.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-viewer.Done():
			return
		case data, ok := <-readCh:
			if !ok {
				select {
				case err := <-readErr:
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						log.Debug("acp websocket closed", zap.Error(err))
					}
				default:
				}
				return
			}
			g.routeACPMessage(ctx, host, viewerID, data)
		}
	}
}

// routeACPMessage dispatches one inbound viewer frame.
func (g *Gateway) routeACPMessage(ctx context.Context, host *acp.SessionHost, viewerID string, data []byte) {
	if isControl, controlType := acp.ParseControlMessage(data); isControl {
		switch controlType {
		case acp.MsgSelectAgent:
			var msg acp.SelectAgentMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.AgentType == "" {
				return
			}
			// Selection installs and starts the agent; run it off the read
			// loop so the viewer stays responsive.
			go host.SelectAgent(ctx, msg.AgentType)
		case acp.MsgPing:
			host.SendPongToViewer(viewerID)
		}
		return
	}

	var rpc struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &rpc); err != nil {
		g.logger.Debug("dropping unparseable viewer frame", zap.Error(err))
		return
	}

	switch rpc.Method {
	case "session/prompt":
		// Prompts block until the agent finishes; the host serializes them
		// and rejects overlap.
		go host.HandlePrompt(ctx, rpc.ID, rpc.Params, viewerID)
	case "session/cancel":
		host.ForwardToAgent(data)
		host.CancelPrompt()
	default:
		host.ForwardToAgent(data)
	}
}
