package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type capturingServer struct {
	*httptest.Server
	mu       sync.Mutex
	bodies   []map[string]json.RawMessage
	paths    []string
	tokens   []string
	statuses []int
}

func newCapturingServer(t *testing.T, defaultStatus int) *capturingServer {
	t.Helper()
	cs := &capturingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)

		cs.mu.Lock()
		cs.bodies = append(cs.bodies, body)
		cs.paths = append(cs.paths, r.URL.Path)
		cs.tokens = append(cs.tokens, r.Header.Get("Authorization"))
		status := defaultStatus
		if len(cs.statuses) > 0 {
			status = cs.statuses[0]
			cs.statuses = cs.statuses[1:]
		}
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *capturingServer) requestCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.paths)
}

func fastConfig() Config {
	return Config{
		BatchMaxWait:    20 * time.Millisecond,
		BatchMaxSize:    10,
		RetryInitial:    10 * time.Millisecond,
		RetryMax:        20 * time.Millisecond,
		RetryMaxElapsed: 200 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestReporterDeliversBatch(t *testing.T) {
	srv := newCapturingServer(t, http.StatusOK)
	st := openTestStore(t)

	r := NewMessageReporter(st, srv.URL, "ws-1", fastConfig(), logger.Default())
	defer r.Shutdown()
	r.SetToken("tok-123")

	require.NoError(t, r.EnqueueMessage(Message{
		MessageID: "m1", SessionID: "s1", Role: "assistant", Content: "hi",
	}))

	waitFor(t, func() bool { return r.Pending() == 0 })

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.NotEmpty(t, srv.paths)
	assert.Equal(t, "/api/workspaces/ws-1/messages", srv.paths[0])
	assert.Equal(t, "Bearer tok-123", srv.tokens[0])

	var messages []Message
	require.NoError(t, json.Unmarshal(srv.bodies[0]["messages"], &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].MessageID)
	assert.NotEmpty(t, messages[0].Timestamp)
}

func TestReporterHoldsUntilToken(t *testing.T) {
	srv := newCapturingServer(t, http.StatusOK)
	st := openTestStore(t)

	r := NewBootLogReporter(st, srv.URL, "ws-1", fastConfig(), logger.Default())
	defer r.Shutdown()

	require.NoError(t, r.EnqueueBootLog(BootLogEntry{Step: "clone", Status: "started", Message: "cloning"}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, srv.requestCount())
	assert.Equal(t, 1, r.Pending())

	r.SetToken("tok")
	waitFor(t, func() bool { return r.Pending() == 0 })
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "/api/workspaces/ws-1/boot-log", srv.paths[0])
}

func TestReporterRetriesTransientFailure(t *testing.T) {
	srv := newCapturingServer(t, http.StatusOK)
	srv.statuses = []int{http.StatusBadGateway, http.StatusBadGateway}
	st := openTestStore(t)

	r := NewErrorReporter(st, srv.URL, "node-1", fastConfig(), logger.Default())
	defer r.Shutdown()
	r.SetToken("tok")

	require.NoError(t, r.EnqueueError(ErrorEntry{Level: "error", Message: "boom", Source: "pty"}))

	waitFor(t, func() bool { return r.Pending() == 0 })
	assert.GreaterOrEqual(t, srv.requestCount(), 3)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "/api/nodes/node-1/errors", srv.paths[0])
}

func TestReporterDiscardsOnPermanentError(t *testing.T) {
	srv := newCapturingServer(t, http.StatusForbidden)
	st := openTestStore(t)

	r := NewMessageReporter(st, srv.URL, "ws-1", fastConfig(), logger.Default())
	defer r.Shutdown()
	r.SetToken("tok")

	require.NoError(t, r.EnqueueMessage(Message{MessageID: "m1", Role: "user", Content: "x"}))

	waitFor(t, func() bool { return r.Pending() == 0 })
	// No second request: the batch was discarded, not retried.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.requestCount())
}

func TestReporterIdempotentEnqueue(t *testing.T) {
	srv := newCapturingServer(t, http.StatusOK)
	st := openTestStore(t)

	cfg := fastConfig()
	cfg.BatchMaxWait = time.Hour // flush only on explicit kick via SetToken
	r := NewMessageReporter(st, srv.URL, "ws-1", cfg, logger.Default())
	defer r.Shutdown()

	msg := Message{MessageID: "m1", Role: "user", Content: "x", Timestamp: "2026-01-01T00:00:00Z"}
	require.NoError(t, r.EnqueueMessage(msg))
	require.NoError(t, r.EnqueueMessage(msg))
	assert.Equal(t, 1, r.Pending())
}

func TestNilReporterIsNoOp(t *testing.T) {
	var r *Reporter
	assert.NoError(t, r.EnqueueMessage(Message{MessageID: "m1"}))
	assert.NoError(t, r.EnqueueBootLog(BootLogEntry{Step: "s"}))
	assert.NoError(t, r.EnqueueError(ErrorEntry{Message: "e"}))
	assert.Equal(t, 0, r.Pending())
	r.SetToken("tok")
	r.Shutdown()
}

func TestHeartbeatSendsSnapshot(t *testing.T) {
	srv := newCapturingServer(t, http.StatusOK)

	h := NewHeartbeat(srv.URL, "node-1", 50*time.Millisecond, func(_ context.Context) any {
		return map[string]string{"status": "ok"}
	}, logger.Default())
	h.SetToken("tok")
	h.Start()
	defer h.Shutdown()

	waitFor(t, func() bool { return srv.requestCount() >= 2 })
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "/api/nodes/node-1/heartbeat", srv.paths[0])
}
