package pty

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcloud/node-agent/internal/common/logger"
)

func TestRingBufferBasicWrite(t *testing.T) {
	rb := NewRingBuffer(16)
	n, err := rb.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), rb.ReadAll())
	assert.Equal(t, 5, rb.Len())
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(8)
	_, err := rb.Write([]byte("abcdef"))
	require.NoError(t, err)
	_, err = rb.Write([]byte("ghij"))
	require.NoError(t, err)

	// Capacity 8: the last 8 bytes of "abcdefghij"
	assert.Equal(t, []byte("cdefghij"), rb.ReadAll())
	assert.Equal(t, 8, rb.Len())
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	_, err := rb.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, []byte("efgh"), rb.ReadAll())
}

func TestRingBufferReset(t *testing.T) {
	rb := NewRingBuffer(8)
	_, _ = rb.Write([]byte("data"))
	rb.Reset()
	assert.Equal(t, 0, rb.Len())
	assert.Nil(t, rb.ReadAll())
}

// collectingWriter records everything written to it.
type collectingWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *collectingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *collectingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func newLocalManager(grace time.Duration) *Manager {
	return NewManager(ManagerConfig{
		DefaultShell:      "/bin/sh",
		DefaultRows:       24,
		DefaultCols:       80,
		OrphanGracePeriod: grace,
	}, logger.Default())
}

func TestSessionEchoAndScrollback(t *testing.T) {
	m := newLocalManager(0)
	defer m.CloseAllSessions()

	s, err := m.CreateSession(context.Background(), "user-1", 24, 80)
	require.NoError(t, err)

	viewer := &collectingWriter{}
	_, prev, err := s.Attach(viewer, false)
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, err = s.Write([]byte("echo pty-roundtrip\n"))
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(viewer.String(), "pty-roundtrip") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Contains(t, viewer.String(), "pty-roundtrip")
	assert.Contains(t, string(s.Scrollback()), "pty-roundtrip")
}

func TestAttachTakeoverReturnsPrevious(t *testing.T) {
	m := newLocalManager(0)
	defer m.CloseAllSessions()

	s, err := m.CreateSession(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)

	first := &collectingWriter{}
	second := &collectingWriter{}

	_, prev, err := s.Attach(first, false)
	require.NoError(t, err)
	assert.Nil(t, prev)

	// A second non-takeover attach loses atomically instead of evicting the
	// current viewer.
	_, _, err = s.Attach(second, false)
	assert.ErrorIs(t, err, ErrViewerAttached)
	assert.Same(t, first, s.Viewer().(*collectingWriter))

	_, replaced, err := s.Attach(second, true)
	require.NoError(t, err)
	assert.Same(t, first, replaced)
	assert.Same(t, second, s.Viewer().(*collectingWriter))
}

func TestAttachSnapshotsScrollback(t *testing.T) {
	m := newLocalManager(0)
	defer m.CloseAllSessions()

	s, err := m.CreateSession(context.Background(), "user-1", 24, 80)
	require.NoError(t, err)

	_, err = s.Write([]byte("echo replay-marker\n"))
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(s.Scrollback()), "replay-marker") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The snapshot returned by Attach carries everything buffered before it.
	viewer := &collectingWriter{}
	scrollback, _, err := s.Attach(viewer, false)
	require.NoError(t, err)
	assert.Contains(t, string(scrollback), "replay-marker")
}

func TestCloseSignalsHangupFirst(t *testing.T) {
	m := newLocalManager(0)

	s, err := m.CreateSession(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Close())
	// The shell honors the hangup, so Close never needs the kill fallback.
	assert.Less(t, time.Since(start), sighupGrace)
	require.NoError(t, s.Close())
}

func TestOrphanGraceReapsSession(t *testing.T) {
	m := newLocalManager(50 * time.Millisecond)
	defer m.CloseAllSessions()

	s, err := m.CreateSession(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)

	m.OrphanSession(s.ID)
	assert.True(t, s.IsOrphaned())
	assert.Equal(t, 1, m.OrphanedSessionCount())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.SessionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("orphaned session was not reaped after grace period")
}

func TestReattachCancelsReap(t *testing.T) {
	m := newLocalManager(80 * time.Millisecond)
	defer m.CloseAllSessions()

	s, err := m.CreateSession(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)

	m.OrphanSession(s.ID)
	got, err := m.ReattachSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	viewer := &collectingWriter{}
	_, _, err = got.Attach(viewer, false)
	require.NoError(t, err)
	assert.False(t, got.IsOrphaned())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, m.SessionCount())
}

func TestZeroGraceKeepsOrphanAlive(t *testing.T) {
	m := newLocalManager(0)
	defer m.CloseAllSessions()

	s, err := m.CreateSession(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)

	m.OrphanSession(s.ID)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, m.SessionCount())
}

func TestReattachUnknownSession(t *testing.T) {
	m := newLocalManager(0)
	_, err := m.ReattachSession("nonexistent")
	assert.Error(t, err)
}

func TestCloseSessionRemovesIt(t *testing.T) {
	m := newLocalManager(0)
	s, err := m.CreateSession(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)

	require.NoError(t, m.CloseSession(s.ID))
	assert.Nil(t, m.GetSession(s.ID))
	assert.Error(t, m.CloseSession(s.ID))
}

func TestResize(t *testing.T) {
	m := newLocalManager(0)
	defer m.CloseAllSessions()

	s, err := m.CreateSession(context.Background(), "user-1", 24, 80)
	require.NoError(t, err)

	require.NoError(t, s.Resize(50, 120))
	rows, cols := s.Size()
	assert.Equal(t, 50, rows)
	assert.Equal(t, 120, cols)
}
