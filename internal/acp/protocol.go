// Package acp hosts AI-agent sessions inside a workspace's devcontainer.
// Each session wraps one agent subprocess speaking the Agent Client Protocol
// (JSON-RPC over stdio); the session host fans notifications out to any
// number of WebSocket viewers and keeps a bounded replay buffer for late
// joins.
package acp

import "encoding/json"

// ControlMessageType identifies the non-JSON-RPC frames on the viewer socket.
type ControlMessageType string

const (
	// MsgSelectAgent is sent by a viewer to request agent selection/switching.
	MsgSelectAgent ControlMessageType = "select_agent"
	// MsgAgentStatus carries agent lifecycle updates to viewers.
	MsgAgentStatus ControlMessageType = "agent_status"
	// MsgSessionState is the first frame a newly attached viewer receives:
	// current status plus the number of buffered messages about to replay.
	MsgSessionState ControlMessageType = "session_state"
	// MsgSessionReplayDone marks the end of buffered replay; everything after
	// it is live traffic.
	MsgSessionReplayDone ControlMessageType = "session_replay_complete"
	// MsgSessionPrompting is broadcast when a prompt starts.
	MsgSessionPrompting ControlMessageType = "session_prompting"
	// MsgSessionPromptDone is broadcast when a prompt completes.
	MsgSessionPromptDone ControlMessageType = "session_prompt_done"
	// MsgPing and MsgPong are the application-level keepalive frames.
	MsgPing ControlMessageType = "ping"
	MsgPong ControlMessageType = "pong"
)

// AgentStatus is the lifecycle state broadcast in agent_status frames.
type AgentStatus string

const (
	StatusStarting   AgentStatus = "starting"
	StatusInstalling AgentStatus = "installing"
	StatusReady      AgentStatus = "ready"
	StatusError      AgentStatus = "error"
	StatusRestarting AgentStatus = "restarting"
)

// SelectAgentMessage requests that the session start (or switch to) an agent.
type SelectAgentMessage struct {
	Type      ControlMessageType `json:"type"`
	AgentType string             `json:"agentType"`
}

// AgentStatusMessage carries an agent lifecycle update.
type AgentStatusMessage struct {
	Type      ControlMessageType `json:"type"`
	Status    AgentStatus        `json:"status"`
	AgentType string             `json:"agentType"`
	Error     string             `json:"error,omitempty"`
}

// SessionStateMessage is the initial frame of the replay protocol.
type SessionStateMessage struct {
	Type        ControlMessageType `json:"type"`
	Status      string             `json:"status"`
	AgentType   string             `json:"agentType,omitempty"`
	Error       string             `json:"error,omitempty"`
	ReplayCount int                `json:"replayCount"`
}

var controlTypes = map[ControlMessageType]bool{
	MsgSelectAgent:       true,
	MsgAgentStatus:       true,
	MsgSessionState:      true,
	MsgSessionReplayDone: true,
	MsgSessionPrompting:  true,
	MsgSessionPromptDone: true,
	MsgPing:              true,
	MsgPong:              true,
}

// ParseControlMessage reports whether a raw viewer frame is a control message
// and which one. Anything else is pass-through JSON-RPC for the agent.
func ParseControlMessage(data []byte) (isControl bool, controlType ControlMessageType) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false, ""
	}
	t := ControlMessageType(probe.Type)
	if controlTypes[t] {
		return true, t
	}
	return false, ""
}
