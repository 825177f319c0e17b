package acp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseControlMessage(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		wantControl bool
		wantType    ControlMessageType
	}{
		{"select agent", `{"type":"select_agent","agentType":"claude-code"}`, true, MsgSelectAgent},
		{"ping", `{"type":"ping"}`, true, MsgPing},
		{"session state", `{"type":"session_state","status":"ready","replayCount":0}`, true, MsgSessionState},
		{"jsonrpc request", `{"jsonrpc":"2.0","id":1,"method":"session/prompt"}`, false, ""},
		{"unknown type", `{"type":"mystery"}`, false, ""},
		{"not json", `hello`, false, ""},
		{"empty", ``, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isControl, controlType := ParseControlMessage([]byte(tt.data))
			assert.Equal(t, tt.wantControl, isControl)
			assert.Equal(t, tt.wantType, controlType)
		})
	}
}
