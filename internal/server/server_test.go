package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcloud/node-agent/internal/common/config"
	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/container"
	"github.com/samcloud/node-agent/internal/gateway"
	"github.com/samcloud/node-agent/internal/store"
	"github.com/samcloud/node-agent/internal/workspace"
)

type fakeValidator struct {
	claims *gateway.Claims
	err    error
}

func (f *fakeValidator) Validate(string) (*gateway.Claims, error) {
	return f.claims, f.err
}

// fakeContainers backs both workspace discovery and the manager's
// stop/remove calls.
type fakeContainers struct {
	mu         sync.Mutex
	containers map[string]string // label value -> container ID
}

func (f *fakeContainers) add(labelValue, id string) {
	f.mu.Lock()
	f.containers[labelValue] = id
	f.mu.Unlock()
}

func (f *fakeContainers) ListByLabel(_ context.Context, _, labelValue string) ([]container.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.containers[labelValue]; ok {
		return []container.Info{{ID: id, State: "running"}}, nil
	}
	return nil, nil
}

func (f *fakeContainers) IsRunning(_ context.Context, containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.containers {
		if id == containerID {
			return true
		}
	}
	return false
}

func (f *fakeContainers) StopContainer(context.Context, string, time.Duration) error { return nil }
func (f *fakeContainers) RemoveContainer(context.Context, string, bool) error        { return nil }

// fakeExec records argv and plays back canned output per leading command.
type fakeExec struct {
	mu      sync.Mutex
	calls   [][]string
	outputs map[string]string // argv[0] -> stdout
	err     error
}

func (f *fakeExec) run(_ context.Context, _, _, _ string, argv ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, argv)
	if f.err != nil {
		return "", f.err
	}
	return f.outputs[argv[0]], nil
}

func (f *fakeExec) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type testEnv struct {
	server    *Server
	router    *gin.Engine
	manager   *workspace.Manager
	docker    *fakeContainers
	exec      *fakeExec
	validator *fakeValidator
	store     *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Node.NodeID = "node-test"
	cfg.Node.ControlPlaneURL = "https://cp.example.com"
	cfg.Limits.FileListLimit = 2000
	cfg.Limits.FileFindLimit = 200
	cfg.Limits.MaxSessionsPerWspace = 16
	cfg.ACP.MessageBufferSize = 100
	cfg.ACP.ViewerSendBuffer = 16

	docker := &fakeContainers{containers: make(map[string]string)}
	manager := workspace.NewManager(workspace.ManagerConfig{
		NodeID:  "node-test",
		BaseDir: t.TempDir(),
	}, docker, nil, logger.Default())

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	exec := &fakeExec{outputs: make(map[string]string)}
	validator := &fakeValidator{claims: &gateway.Claims{NodeID: "node-test"}}

	srv := New(Deps{
		Config:        cfg,
		Logger:        logger.Default(),
		Manager:       manager,
		Validator:     validator,
		Gateway:       gateway.New(gateway.Config{AllowedOrigins: []string{"*"}}, logger.Default()),
		Store:         st,
		CallbackToken: func() string { return "cb-token" },
		GitToken: func(context.Context) (string, error) {
			return "git-token", nil
		},
		Exec: exec.run,
	})
	return &testEnv{
		server:    srv,
		router:    srv.Router(),
		manager:   manager,
		docker:    docker,
		exec:      exec,
		validator: validator,
		store:     st,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createWorkspace(t *testing.T, id string) workspace.Snapshot {
	t.Helper()
	w := e.request(t, http.MethodPost, "/workspaces", gin.H{
		"workspaceId": id,
		"repository":  "https://github.com/acme/widgets.git",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var snap workspace.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "node-test", decodeJSON(t, w)["nodeId"])
}

func TestUnknownRouteReturns404(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeJSON(t, w)["error"])
}

func TestWorkspaceLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	snap := env.createWorkspace(t, "ws-1")
	assert.Equal(t, "ready", snap.State)
	env.docker.add(snap.WorkspaceDir, "ctr-1")

	w := env.request(t, http.MethodGet, "/workspaces", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ws-1")

	w = env.request(t, http.MethodGet, "/workspaces/ws-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodPost, "/workspaces/ws-1/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"stopped"`)

	w = env.request(t, http.MethodPost, "/workspaces/ws-1/restart", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"ready"`)

	w = env.request(t, http.MethodDelete, "/workspaces/ws-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.request(t, http.MethodGet, "/workspaces/ws-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateWorkspaceConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkspace(t, "ws-1")

	w := env.request(t, http.MethodPost, "/workspaces", gin.H{
		"workspaceId": "ws-1",
		"repository":  "https://github.com/acme/widgets.git",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.request(t, http.MethodPost, "/workspaces", gin.H{"workspaceId": "ws-2"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "repository is required")
}

func TestAuthRejectsMissingAndInvalidTokens(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	env.validator.err = assert.AnError
	env.validator.claims = nil
	w = env.request(t, http.MethodGet, "/workspaces", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsForeignClaims(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkspace(t, "ws-1")

	env.validator.claims = &gateway.Claims{NodeID: "other-node"}
	w := env.request(t, http.MethodGet, "/workspaces", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Workspace-scoped token cannot touch another workspace.
	env.validator.claims = &gateway.Claims{WorkspaceID: "ws-other"}
	w = env.request(t, http.MethodGet, "/workspaces/ws-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	env.validator.claims = &gateway.Claims{WorkspaceID: "ws-1"}
	w = env.request(t, http.MethodGet, "/workspaces/ws-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Token with neither claim is rejected.
	env.validator.claims = &gateway.Claims{}
	w = env.request(t, http.MethodGet, "/workspaces", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsWrongRoutingHeader(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set(gateway.HeaderNodeID, "other-node")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRegisterAndListSessions(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkspace(t, "ws-1")

	w := env.request(t, http.MethodPost, "/workspaces/ws-1/agent-sessions", gin.H{
		"sessionId": "sess-1",
		"label":     "fix the bug",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.request(t, http.MethodGet, "/workspaces/ws-1/agent-sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "sess-1")
	assert.Contains(t, body, "registered")
	assert.Contains(t, body, "fix the bug")
}

func TestDeleteSessionRemovesRecord(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkspace(t, "ws-1")
	env.request(t, http.MethodPost, "/workspaces/ws-1/agent-sessions", gin.H{"sessionId": "sess-1"})

	w := env.request(t, http.MethodDelete, "/workspaces/ws-1/agent-sessions/sess-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	rec, err := env.store.GetACPSession("sess-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCancelSessionWithoutProcess(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkspace(t, "ws-1")
	w := env.request(t, http.MethodPost, "/workspaces/ws-1/agent-sessions/sess-1/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFilesList(t *testing.T) {
	env := newTestEnv(t)
	snap := env.createWorkspace(t, "ws-1")
	env.docker.add(snap.WorkspaceDir, "ctr-1")
	env.exec.outputs["ls"] = "src/\nREADME.md\n"

	w := env.request(t, http.MethodGet, "/workspaces/ws-1/files?op=list", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := w.Body.String()
	assert.Contains(t, body, "/workspaces/widgets/src")
	assert.Contains(t, body, "/workspaces/widgets/README.md")
	assert.Contains(t, body, `"isDir":true`)
}

func TestFilesFindRequiresQuery(t *testing.T) {
	env := newTestEnv(t)
	snap := env.createWorkspace(t, "ws-1")
	env.docker.add(snap.WorkspaceDir, "ctr-1")

	w := env.request(t, http.MethodGet, "/workspaces/ws-1/files?op=find", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFilesRejectsEscapingPath(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkspace(t, "ws-1")

	w := env.request(t, http.MethodGet, "/workspaces/ws-1/files?path=../../etc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodGet, "/workspaces/ws-1/files?path=/etc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFilesWithoutContainer(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkspace(t, "ws-1")
	w := env.request(t, http.MethodGet, "/workspaces/ws-1/files", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGitStatusParsesPorcelain(t *testing.T) {
	env := newTestEnv(t)
	snap := env.createWorkspace(t, "ws-1")
	env.docker.add(snap.WorkspaceDir, "ctr-1")
	env.exec.outputs["git"] = "## main...origin/main [ahead 1]\n M src/app.go\n?? notes.txt\n"

	w := env.request(t, http.MethodGet, "/workspaces/ws-1/git/status", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decodeJSON(t, w)
	assert.Equal(t, "main", out["branch"])
	assert.Equal(t, false, out["clean"])
	files := out["files"].([]any)
	require.Len(t, files, 2)
	first := files[0].(map[string]any)
	assert.Equal(t, "M", first["status"])
	assert.Equal(t, "src/app.go", first["path"])
}

func TestGitDiffRejectsOptionLikeRef(t *testing.T) {
	env := newTestEnv(t)
	snap := env.createWorkspace(t, "ws-1")
	env.docker.add(snap.WorkspaceDir, "ctr-1")

	w := env.request(t, http.MethodGet, "/workspaces/ws-1/git/diff?ref=--output=/tmp/x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGitFileRunsShow(t *testing.T) {
	env := newTestEnv(t)
	snap := env.createWorkspace(t, "ws-1")
	env.docker.add(snap.WorkspaceDir, "ctr-1")
	env.exec.outputs["git"] = "package main\n"

	w := env.request(t, http.MethodGet, "/workspaces/ws-1/git/file?path=main.go&ref=HEAD", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"git", "show", "HEAD:main.go"}, env.exec.lastCall())
}

func TestGitWorktreesParsesPorcelain(t *testing.T) {
	env := newTestEnv(t)
	snap := env.createWorkspace(t, "ws-1")
	env.docker.add(snap.WorkspaceDir, "ctr-1")
	env.exec.outputs["git"] = "worktree /workspaces/widgets\nHEAD abc123\nbranch refs/heads/main\n\nworktree /workspaces/widgets-wt\nHEAD def456\nbranch refs/heads/feature\n"

	w := env.request(t, http.MethodGet, "/workspaces/ws-1/git/worktrees", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decodeJSON(t, w)
	worktrees := out["worktrees"].([]any)
	require.Len(t, worktrees, 2)
	first := worktrees[0].(map[string]any)
	assert.Equal(t, "/workspaces/widgets", first["path"])
	assert.Equal(t, "refs/heads/main", first["branch"])
}

func TestGitCredentialsAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/git/credentials", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/git/credentials", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The helper pipes the body straight to git, so it must be the
	// credential key=value format, not JSON.
	req = httptest.NewRequest(http.MethodPost, "/git/credentials", nil)
	req.Header.Set("Authorization", "Bearer cb-token")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t,
		"protocol=https\nhost=github.com\nusername=x-access-token\npassword=git-token\n\n",
		w.Body.String())
}

func TestBufferEvictionRecordsWorkspaceEvent(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkspace(t, "ws-1")
	ws, err := env.manager.Get("ws-1")
	require.NoError(t, err)

	env.server.bufferEvict(ws, "sess-1")(5)

	w := env.request(t, http.MethodGet, "/workspaces/ws-1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acp.replay_truncated")
	assert.Contains(t, w.Body.String(), "sess-1")
}

func TestRequireAuthReplacesRoutingHeaders(t *testing.T) {
	env := newTestEnv(t)
	env.validator.claims = &gateway.Claims{WorkspaceID: "ws-1"}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/workspaces/ws-1", nil)
	c.Request.Header.Set("Authorization", "Bearer test-token")
	c.Params = gin.Params{{Key: "id", Value: "ws-1"}}

	env.server.requireAuth()(c)
	require.False(t, c.IsAborted())

	// Downstream handlers see the validated routing values, never
	// client-supplied ones.
	assert.Equal(t, "node-test", c.Request.Header.Get(gateway.HeaderNodeID))
	assert.Equal(t, "ws-1", c.Request.Header.Get(gateway.HeaderWorkspaceID))
}

func TestNodeAndWorkspaceEvents(t *testing.T) {
	env := newTestEnv(t)
	env.createWorkspace(t, "ws-1")

	w := env.request(t, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "workspace.created")

	w = env.request(t, http.MethodGet, "/workspaces/ws-1/events?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "workspace.created")
}

func TestResolveContainerPath(t *testing.T) {
	got, err := resolveContainerPath("/workspaces/widgets", "")
	require.NoError(t, err)
	assert.Equal(t, "/workspaces/widgets", got)

	got, err = resolveContainerPath("/workspaces/widgets", "src/app")
	require.NoError(t, err)
	assert.Equal(t, "/workspaces/widgets/src/app", got)

	_, err = resolveContainerPath("/workspaces/widgets", "../other")
	assert.Error(t, err)

	_, err = resolveContainerPath("/workspaces/widgets", "/abs")
	assert.Error(t, err)

	_, err = resolveContainerPath("/workspaces/widgets", "a\x00b")
	assert.Error(t, err)
}

func TestValidGitRef(t *testing.T) {
	assert.True(t, validGitRef("HEAD"))
	assert.True(t, validGitRef("feature/thing"))
	assert.False(t, validGitRef(""))
	assert.False(t, validGitRef("-rf"))
	assert.False(t, validGitRef("a b"))
	assert.False(t, validGitRef("ref:path"))
	assert.False(t, validGitRef(strings.Repeat("a", 300)))
}
