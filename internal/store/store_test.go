package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcloud/node-agent/internal/common/logger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueIdempotence(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.EnqueueOutbox(MessageOutbox, "m1", `{"a":1}`, "", 100))
	require.NoError(t, s.EnqueueOutbox(MessageOutbox, "m1", `{"a":1}`, "", 100))

	count, err := s.OutboxCount(MessageOutbox)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEnqueueCapacity(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.EnqueueOutbox(MessageOutbox, "m1", "p1", "", 2))
	require.NoError(t, s.EnqueueOutbox(MessageOutbox, "m2", "p2", "", 2))

	err := s.EnqueueOutbox(MessageOutbox, "m3", "p3", "", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutboxFull)
}

func TestReadBatchOrderAndByteCap(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.EnqueueOutbox(MessageOutbox, "m1", "aaaa", "2026-01-01T00:00:01Z", 0))
	require.NoError(t, s.EnqueueOutbox(MessageOutbox, "m2", "bbbb", "2026-01-01T00:00:02Z", 0))
	require.NoError(t, s.EnqueueOutbox(MessageOutbox, "m3", "cccc", "2026-01-01T00:00:03Z", 0))

	// Byte cap of 6 admits the first row plus nothing else.
	batch, err := s.ReadOutboxBatch(MessageOutbox, 10, 6)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "m1", batch[0].MessageID)

	// A cap smaller than any single payload still returns one row.
	batch, err = s.ReadOutboxBatch(MessageOutbox, 10, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// No cap: insertion order.
	batch, err = s.ReadOutboxBatch(MessageOutbox, 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"},
		[]string{batch[0].MessageID, batch[1].MessageID, batch[2].MessageID})
}

func TestDeleteAndBumpAttempts(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.EnqueueOutbox(BootLogOutbox, "b1", "p1", "", 0))
	require.NoError(t, s.EnqueueOutbox(BootLogOutbox, "b2", "p2", "", 0))

	batch, err := s.ReadOutboxBatch(BootLogOutbox, 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	ids := []int64{batch[0].ID, batch[1].ID}
	require.NoError(t, s.BumpOutboxAttempts(BootLogOutbox, ids))

	batch, err = s.ReadOutboxBatch(BootLogOutbox, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, batch[0].Attempts)
	assert.Equal(t, 1, batch[1].Attempts)
	assert.True(t, batch[0].LastAttemptAt.Valid)

	require.NoError(t, s.DeleteOutboxRows(BootLogOutbox, ids))
	count, err := s.OutboxCount(BootLogOutbox)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOutboxTableWhitelist(t *testing.T) {
	s := openTestStore(t)

	err := s.EnqueueOutbox("message_outbox; DROP TABLE acp_sessions", "m1", "p", "", 0)
	require.Error(t, err)
}

func TestACPSessionCRUD(t *testing.T) {
	s := openTestStore(t)

	rec := ACPSessionRecord{
		SessionID:   "s1",
		WorkspaceID: "w1",
		AgentType:   "claude-code",
		Status:      "running",
	}
	require.NoError(t, s.UpsertACPSession(rec))

	got, err := s.GetACPSession("s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "claude-code", got.AgentType)
	assert.NotEmpty(t, got.CreatedAt)

	rec.Status = "suspended"
	rec.ACPSessionID = "acp-123"
	require.NoError(t, s.UpsertACPSession(rec))

	got, err = s.GetACPSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "suspended", got.Status)
	assert.Equal(t, "acp-123", got.ACPSessionID)

	list, err := s.ListACPSessions("w1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteWorkspaceACPSessions("w1"))
	got, err = s.GetACPSession("s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
