package workspace

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogAppendNewestFirst(t *testing.T) {
	l := NewEventLog("node-1", 10)
	l.Append("ws-1", "info", "workspace.created", "first", nil)
	l.Append("ws-1", "info", "workspace.stopped", "second", nil)

	events := l.NodeEvents(0)
	require.Len(t, events, 2)
	assert.Equal(t, "second", events[0].Message)
	assert.Equal(t, "first", events[1].Message)
	assert.Equal(t, "node-1", events[0].NodeID)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEmpty(t, events[0].CreatedAt)
}

func TestEventLogPerWorkspaceViews(t *testing.T) {
	l := NewEventLog("node-1", 10)
	l.Append("ws-1", "info", "a", "for ws-1", nil)
	l.Append("ws-2", "info", "b", "for ws-2", nil)
	l.Append("", "warn", "c", "node only", nil)

	assert.Len(t, l.NodeEvents(0), 3)
	require.Len(t, l.WorkspaceEvents("ws-1", 0), 1)
	assert.Equal(t, "for ws-1", l.WorkspaceEvents("ws-1", 0)[0].Message)
	assert.Len(t, l.WorkspaceEvents("ws-2", 0), 1)
	assert.Empty(t, l.WorkspaceEvents("ws-3", 0))
}

func TestEventLogBounded(t *testing.T) {
	l := NewEventLog("node-1", 3)
	for i := 0; i < 5; i++ {
		l.Append("ws-1", "info", "tick", fmt.Sprintf("event %d", i), nil)
	}

	events := l.NodeEvents(0)
	require.Len(t, events, 3)
	assert.Equal(t, "event 4", events[0].Message)
	assert.Equal(t, "event 2", events[2].Message)
	assert.Len(t, l.WorkspaceEvents("ws-1", 0), 3)
}

func TestEventLogLimit(t *testing.T) {
	l := NewEventLog("node-1", 10)
	for i := 0; i < 5; i++ {
		l.Append("", "info", "tick", fmt.Sprintf("event %d", i), nil)
	}

	events := l.NodeEvents(2)
	require.Len(t, events, 2)
	assert.Equal(t, "event 4", events[0].Message)

	assert.Len(t, l.NodeEvents(100), 5)
}

func TestEventLogDropWorkspace(t *testing.T) {
	l := NewEventLog("node-1", 10)
	l.Append("ws-1", "info", "a", "msg", nil)
	l.DropWorkspace("ws-1")

	assert.Empty(t, l.WorkspaceEvents("ws-1", 0))
	// Node-level history survives the drop.
	assert.Len(t, l.NodeEvents(0), 1)
}
