package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// EventRecord is one entry in the node or workspace event log.
type EventRecord struct {
	ID          string         `json:"id"`
	NodeID      string         `json:"nodeId"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Level       string         `json:"level"`
	Type        string         `json:"type"`
	Message     string         `json:"message"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedAt   string         `json:"createdAt"`
}

// EventLog is a bounded in-memory event ring, newest first. Every workspace
// transition lands here; a node-wide view and per-workspace views are kept
// separately so either can be queried without filtering.
type EventLog struct {
	nodeID string
	max    int

	mu              sync.RWMutex
	nodeEvents      []EventRecord
	workspaceEvents map[string][]EventRecord
}

// NewEventLog creates a log bounded to max entries per view.
func NewEventLog(nodeID string, max int) *EventLog {
	if max <= 0 {
		max = 500
	}
	return &EventLog{
		nodeID:          nodeID,
		max:             max,
		workspaceEvents: make(map[string][]EventRecord),
	}
}

// Append records an event. An empty workspaceID records a node-level event
// only.
func (l *EventLog) Append(workspaceID, level, eventType, message string, detail map[string]any) {
	event := EventRecord{
		ID:          randomEventID(),
		NodeID:      l.nodeID,
		WorkspaceID: workspaceID,
		Level:       level,
		Type:        eventType,
		Message:     message,
		Detail:      detail,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nodeEvents = append([]EventRecord{event}, l.nodeEvents...)
	if len(l.nodeEvents) > l.max {
		l.nodeEvents = l.nodeEvents[:l.max]
	}
	if workspaceID != "" {
		l.workspaceEvents[workspaceID] = append([]EventRecord{event}, l.workspaceEvents[workspaceID]...)
		if len(l.workspaceEvents[workspaceID]) > l.max {
			l.workspaceEvents[workspaceID] = l.workspaceEvents[workspaceID][:l.max]
		}
	}
}

// NodeEvents returns up to limit node-level events, newest first.
func (l *EventLog) NodeEvents(limit int) []EventRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyEvents(l.nodeEvents, limit)
}

// WorkspaceEvents returns up to limit events for one workspace, newest first.
func (l *EventLog) WorkspaceEvents(workspaceID string, limit int) []EventRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyEvents(l.workspaceEvents[workspaceID], limit)
}

// DropWorkspace discards a deleted workspace's event view. Its entries stay
// in the node-level view.
func (l *EventLog) DropWorkspace(workspaceID string) {
	l.mu.Lock()
	delete(l.workspaceEvents, workspaceID)
	l.mu.Unlock()
}

func copyEvents(events []EventRecord, limit int) []EventRecord {
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	out := make([]EventRecord, limit)
	copy(out, events[:limit])
	return out
}

func randomEventID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
