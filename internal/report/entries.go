package report

import "time"

// Message is one agent session message bound for the control plane.
type Message struct {
	MessageID    string `json:"messageId"`
	SessionID    string `json:"sessionId"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	ToolMetadata string `json:"toolMetadata,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// BootLogEntry is one bootstrap progress record.
type BootLogEntry struct {
	Step      string `json:"step"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorEntry is one node-level error record.
type ErrorEntry struct {
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Source      string         `json:"source"`
	Stack       string         `json:"stack,omitempty"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Timestamp   string         `json:"timestamp"`
	Context     map[string]any `json:"context,omitempty"`
}

func stamp(ts string) string {
	if ts != "" {
		return ts
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// EnqueueMessage enqueues a session message, stamping the timestamp when
// absent. The message ID doubles as the idempotence key.
func (r *Reporter) EnqueueMessage(m Message) error {
	if r == nil {
		return nil
	}
	m.Timestamp = stamp(m.Timestamp)
	return r.Enqueue(m.MessageID, m)
}

// EnqueueBootLog enqueues a bootstrap progress entry keyed by step and
// status, so a re-run of an idempotent bootstrap step is not double-reported.
func (r *Reporter) EnqueueBootLog(e BootLogEntry) error {
	if r == nil {
		return nil
	}
	e.Timestamp = stamp(e.Timestamp)
	return r.Enqueue(e.Step+":"+e.Status+":"+e.Timestamp, e)
}

// EnqueueError enqueues an error entry keyed by its timestamp and message.
func (r *Reporter) EnqueueError(e ErrorEntry) error {
	if r == nil {
		return nil
	}
	e.Timestamp = stamp(e.Timestamp)
	return r.Enqueue(e.Timestamp+":"+e.Source+":"+e.Message, e)
}
