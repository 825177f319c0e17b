package acp

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BufferedMessage is one entry of the replay buffer.
type BufferedMessage struct {
	Data      []byte
	SeqNum    uint64
	Timestamp time.Time
}

// Viewer is one WebSocket connection attached to a session host. Outbound
// traffic goes through a bounded send channel drained by a per-viewer write
// pump; a full channel drops messages for that viewer only.
type Viewer struct {
	ID     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

// Done is closed when the viewer's write pump exits, letting the gateway's
// read loop bail out immediately instead of waiting on a read deadline.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// AttachViewer registers a WebSocket connection as a viewer. The viewer
// receives the current session state, a replay of the buffered messages, a
// replay-complete marker, and finally a fresh state snapshot with
// replayCount 0. Returns nil if the session is stopped.
func (h *SessionHost) AttachViewer(id string, conn *websocket.Conn) *Viewer {
	h.mu.RLock()
	if h.status == HostStopped {
		h.mu.RUnlock()
		return nil
	}
	status := h.status
	agentType := h.agentType
	statusErr := h.statusErr
	h.mu.RUnlock()

	viewer := &Viewer{
		ID:     id,
		conn:   conn,
		sendCh: make(chan []byte, h.cfg.ViewerSendBuffer),
		done:   make(chan struct{}),
	}

	go h.viewerWritePump(viewer)

	h.viewerMu.Lock()
	h.viewers[id] = viewer
	if h.suspendTimer != nil {
		h.suspendTimer.Stop()
		h.suspendTimer = nil
	}
	h.viewerMu.Unlock()

	h.logger.Info("viewer attached",
		zap.String("viewer_id", id),
		zap.Int("total_viewers", h.ViewerCount()))

	h.sendToViewerPriority(viewer, h.marshalSessionState(status, agentType, statusErr))
	h.replayToViewer(viewer)
	h.sendToViewerPriority(viewer, h.marshalControl(MsgSessionReplayDone, nil))

	// Post-replay authoritative snapshot. The status may have changed while
	// the replay streamed; replayCount must be 0 here or the browser would
	// re-enter replay mode and wipe what it just received.
	finalStatus, finalAgentType, finalErr := h.currentSessionState()
	h.sendToViewerPriority(viewer, h.marshalSessionStateWithReplayCount(finalStatus, finalAgentType, finalErr, 0))

	return viewer
}

// DetachViewer removes a viewer without touching the agent. When the last
// viewer leaves and an idle-suspend timeout is configured, a suspend timer
// starts; any reattach cancels it.
func (h *SessionHost) DetachViewer(viewerID string) {
	h.viewerMu.Lock()
	viewer, ok := h.viewers[viewerID]
	if ok {
		delete(h.viewers, viewerID)
	}
	remaining := len(h.viewers)

	if remaining == 0 && h.cfg.IdleSuspendTimeout > 0 && h.suspendTimer == nil {
		h.suspendTimer = time.AfterFunc(h.cfg.IdleSuspendTimeout, h.autoSuspend)
	}
	h.viewerMu.Unlock()

	if ok && viewer != nil {
		viewer.once.Do(func() { close(viewer.done) })
		h.logger.Info("viewer detached",
			zap.String("viewer_id", viewerID),
			zap.Int("total_viewers", remaining))
	}
}

// ViewerCount returns the number of attached viewers.
func (h *SessionHost) ViewerCount() int {
	h.viewerMu.RLock()
	defer h.viewerMu.RUnlock()
	return len(h.viewers)
}

// appendMessage adds a message to the replay buffer, evicting the oldest
// entries past the cap. Sequence numbers are assigned under the buffer lock
// so buffer order matches sequence order under concurrent writes.
func (h *SessionHost) appendMessage(data []byte) {
	h.bufMu.Lock()
	seq := atomic.AddUint64(&h.seqCounter, 1)
	h.messageBuf = append(h.messageBuf, BufferedMessage{
		Data:      data,
		SeqNum:    seq,
		Timestamp: time.Now(),
	})
	evicted := 0
	if len(h.messageBuf) > h.cfg.MessageBufferSize {
		evicted = len(h.messageBuf) - h.cfg.MessageBufferSize
		h.messageBuf = h.messageBuf[evicted:]
	}
	h.bufMu.Unlock()

	if evicted > 0 && h.cfg.OnBufferEvict != nil {
		h.cfg.OnBufferEvict(evicted)
	}
}

func (h *SessionHost) broadcastMessage(data []byte) {
	h.broadcastMessageWithPriority(data, false)
}

func (h *SessionHost) broadcastMessageWithPriority(data []byte, priority bool) {
	h.appendMessage(data)
	h.viewerMu.RLock()
	for _, viewer := range h.viewers {
		if priority {
			h.sendToViewerPriority(viewer, data)
		} else {
			h.sendToViewer(viewer, data)
		}
	}
	h.viewerMu.RUnlock()
}

// broadcastAgentStatus fans an agent_status frame to all viewers and buffers
// it for late-join replay.
func (h *SessionHost) broadcastAgentStatus(status AgentStatus, agentType, errMsg string) {
	data, _ := json.Marshal(AgentStatusMessage{
		Type:      MsgAgentStatus,
		Status:    status,
		AgentType: agentType,
		Error:     errMsg,
	})
	h.broadcastMessageWithPriority(data, true)
}

func (h *SessionHost) broadcastControl(msgType ControlMessageType, extra map[string]any) {
	h.broadcastMessageWithPriority(h.marshalControl(msgType, extra), true)
}

// replayToViewer streams the buffered messages to a newly attached viewer.
// Sends block with a timeout rather than dropping silently; a persistently
// blocked viewer aborts its own replay without affecting the session.
func (h *SessionHost) replayToViewer(viewer *Viewer) {
	h.bufMu.RLock()
	messages := make([]BufferedMessage, len(h.messageBuf))
	copy(messages, h.messageBuf)
	h.bufMu.RUnlock()

	for i, msg := range messages {
		if !h.sendToViewerWithTimeout(viewer, msg.Data, 5*time.Second) {
			h.logger.Warn("viewer replay aborted",
				zap.String("viewer_id", viewer.ID),
				zap.Int("delivered", i),
				zap.Int("total", len(messages)))
			return
		}
	}
}

func (h *SessionHost) sendToViewerWithTimeout(viewer *Viewer, data []byte, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case viewer.sendCh <- data:
		return true
	case <-viewer.done:
		return false
	case <-timer.C:
		return false
	}
}

// sendToViewer delivers best-effort: a full channel drops the message for
// this viewer only (it can reconnect and replay).
func (h *SessionHost) sendToViewer(viewer *Viewer, data []byte) {
	select {
	case viewer.sendCh <- data:
	case <-viewer.done:
	default:
		h.logger.Warn("viewer send buffer full, dropping message",
			zap.String("viewer_id", viewer.ID))
	}
}

// sendToViewerPriority evicts one queued message and retries once when the
// channel is full, so control and status frames survive replay backpressure.
func (h *SessionHost) sendToViewerPriority(viewer *Viewer, data []byte) {
	select {
	case viewer.sendCh <- data:
		return
	case <-viewer.done:
		return
	default:
	}

	select {
	case <-viewer.sendCh:
	default:
	}

	select {
	case viewer.sendCh <- data:
	case <-viewer.done:
	default:
		h.logger.Warn("viewer priority message dropped",
			zap.String("viewer_id", viewer.ID))
	}
}

// viewerWritePump drains the viewer's send channel onto its WebSocket. It
// signals done before closing the connection so the gateway read loop exits
// without waiting out its read deadline.
func (h *SessionHost) viewerWritePump(viewer *Viewer) {
	defer func() {
		viewer.once.Do(func() { close(viewer.done) })
		viewer.conn.Close()
	}()

	for {
		select {
		case data, ok := <-viewer.sendCh:
			if !ok {
				return
			}
			viewer.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := viewer.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("viewer write failed",
					zap.String("viewer_id", viewer.ID), zap.Error(err))
				return
			}
		case <-viewer.done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// SendPongToViewer answers an application-level ping. Keepalives bypass the
// replay buffer.
func (h *SessionHost) SendPongToViewer(viewerID string) {
	data, _ := json.Marshal(map[string]string{"type": string(MsgPong)})
	h.viewerMu.RLock()
	viewer, ok := h.viewers[viewerID]
	h.viewerMu.RUnlock()
	if ok {
		h.sendToViewerPriority(viewer, data)
	}
}

func (h *SessionHost) sendJSONRPCErrorToViewer(viewerID string, reqID json.RawMessage, code int, message string) {
	data := h.marshalJSONRPCError(reqID, code, message)
	h.viewerMu.RLock()
	viewer, ok := h.viewers[viewerID]
	h.viewerMu.RUnlock()
	if ok {
		h.sendToViewerPriority(viewer, data)
	}
}

func (h *SessionHost) marshalSessionState(status HostStatus, agentType, errMsg string) []byte {
	return h.marshalSessionStateWithReplayCount(status, agentType, errMsg, -1)
}

// marshalSessionStateWithReplayCount uses the override when >= 0, otherwise
// the current buffer length.
func (h *SessionHost) marshalSessionStateWithReplayCount(status HostStatus, agentType, errMsg string, replayCountOverride int) []byte {
	replayCount := replayCountOverride
	if replayCount < 0 {
		h.bufMu.RLock()
		replayCount = len(h.messageBuf)
		h.bufMu.RUnlock()
	}

	data, _ := json.Marshal(SessionStateMessage{
		Type:        MsgSessionState,
		Status:      string(status),
		AgentType:   agentType,
		Error:       errMsg,
		ReplayCount: replayCount,
	})
	return data
}

func (h *SessionHost) marshalControl(msgType ControlMessageType, extra map[string]any) []byte {
	msg := map[string]any{"type": string(msgType)}
	for k, v := range extra {
		msg[k] = v
	}
	data, _ := json.Marshal(msg)
	return data
}

func (h *SessionHost) marshalJSONRPCError(reqID json.RawMessage, code int, message string) []byte {
	resp := map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if reqID != nil {
		resp["id"] = json.RawMessage(reqID)
	}
	data, _ := json.Marshal(resp)
	return data
}
