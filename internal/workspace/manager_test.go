package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/container"
)

// fakeDocker serves container lookups by label value (the workspace dir)
// and records stop/remove calls.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]string // label value -> container ID
	stopped    []string
	removed    []string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]string)}
}

func (f *fakeDocker) addContainer(labelValue, id string) {
	f.mu.Lock()
	f.containers[labelValue] = id
	f.mu.Unlock()
}

func (f *fakeDocker) ListByLabel(_ context.Context, _, labelValue string) ([]container.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.containers[labelValue]; ok {
		return []container.Info{{ID: id, State: "running"}}, nil
	}
	return nil, nil
}

func (f *fakeDocker) IsRunning(_ context.Context, containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.containers {
		if id == containerID {
			return true
		}
	}
	return false
}

func (f *fakeDocker) StopContainer(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	for label, id := range f.containers {
		if id == containerID {
			delete(f.containers, label)
		}
	}
	return nil
}

func (f *fakeDocker) RemoveContainer(_ context.Context, containerID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	for label, id := range f.containers {
		if id == containerID {
			delete(f.containers, label)
		}
	}
	return nil
}

type fakePurger struct {
	mu     sync.Mutex
	purged []string
}

func (p *fakePurger) DeleteWorkspaceACPSessions(workspaceID string) error {
	p.mu.Lock()
	p.purged = append(p.purged, workspaceID)
	p.mu.Unlock()
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDocker, *fakePurger) {
	t.Helper()
	docker := newFakeDocker()
	purger := &fakePurger{}
	m := NewManager(ManagerConfig{
		NodeID:  "node-test",
		BaseDir: t.TempDir(),
	}, docker, purger, logger.Default())
	return m, docker, purger
}

func createWorkspace(t *testing.T, m *Manager, id, repo string) Snapshot {
	t.Helper()
	snap, err := m.Create(context.Background(), CreateRequest{
		WorkspaceID: id,
		Repository:  repo,
	})
	require.NoError(t, err)
	return snap
}

func TestManagerCreate(t *testing.T) {
	m, _, _ := newTestManager(t)

	snap, err := m.Create(context.Background(), CreateRequest{
		WorkspaceID: "ws-1",
		Repository:  "https://github.com/acme/widgets.git",
		Branch:      "main",
		DisplayName: "Widgets Dev",
	})
	require.NoError(t, err)

	assert.Equal(t, "ws-1", snap.ID)
	assert.Equal(t, "ready", snap.State)
	assert.Equal(t, "Widgets Dev", snap.DisplayName)
	assert.Equal(t, "main", snap.Branch)
	assert.Equal(t, "/workspaces/widgets", snap.ContainerWorkDir)
	assert.DirExists(t, snap.WorkspaceDir)
	assert.Equal(t, "widgets", filepath.Base(snap.WorkspaceDir))

	ws, err := m.Get("ws-1")
	require.NoError(t, err)
	assert.NotNil(t, ws.PTY)
	assert.NotNil(t, ws.Discovery)

	events := m.Events().WorkspaceEvents("ws-1", 0)
	require.NotEmpty(t, events)
	assert.Equal(t, "workspace.created", events[0].Type)
}

func TestManagerCreateDefaultsDisplayNameFromRepository(t *testing.T) {
	m, _, _ := newTestManager(t)
	snap := createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")
	assert.Equal(t, "widgets", snap.DisplayName)
}

func TestManagerCreateDuplicateID(t *testing.T) {
	m, _, _ := newTestManager(t)
	createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")

	_, err := m.Create(context.Background(), CreateRequest{
		WorkspaceID: "ws-1",
		Repository:  "https://github.com/acme/other.git",
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestManagerCreateAutoSuffixesDisplayName(t *testing.T) {
	m, _, _ := newTestManager(t)

	first, err := m.Create(context.Background(), CreateRequest{
		WorkspaceID: "ws-1",
		Repository:  "https://github.com/acme/widgets.git",
		DisplayName: "My Project",
	})
	require.NoError(t, err)
	assert.Equal(t, "My Project", first.DisplayName)

	second, err := m.Create(context.Background(), CreateRequest{
		WorkspaceID: "ws-2",
		Repository:  "https://github.com/acme/gadgets.git",
		DisplayName: "my project",
	})
	require.NoError(t, err)
	assert.Equal(t, "my project-2", second.DisplayName)
}

func TestManagerCreateLimit(t *testing.T) {
	docker := newFakeDocker()
	m := NewManager(ManagerConfig{
		NodeID:        "node-test",
		BaseDir:       t.TempDir(),
		MaxWorkspaces: 1,
	}, docker, nil, logger.Default())

	createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")
	_, err := m.Create(context.Background(), CreateRequest{
		WorkspaceID: "ws-2",
		Repository:  "https://github.com/acme/gadgets.git",
	})
	assert.ErrorIs(t, err, ErrLimitReached)
}

func TestManagerRejectsWorkWhileStopping(t *testing.T) {
	m, _, _ := newTestManager(t)
	createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")
	m.BeginShutdown()

	_, err := m.Create(context.Background(), CreateRequest{
		WorkspaceID: "ws-2",
		Repository:  "https://github.com/acme/gadgets.git",
	})
	assert.ErrorIs(t, err, ErrNodeStopping)

	assert.ErrorIs(t, m.Restart(context.Background(), "ws-1"), ErrNodeStopping)

	// Stop stays allowed so shutdown can proceed.
	assert.NoError(t, m.Stop(context.Background(), "ws-1"))
}

func TestManagerStop(t *testing.T) {
	m, docker, _ := newTestManager(t)
	snap := createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")
	docker.addContainer(snap.WorkspaceDir, "ctr-1")

	require.NoError(t, m.Stop(context.Background(), "ws-1"))

	ws, err := m.Get("ws-1")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, ws.State())
	assert.Equal(t, []string{"ctr-1"}, docker.stopped)
	// The checkout survives a stop.
	assert.DirExists(t, snap.WorkspaceDir)

	// Stopping a stopped workspace is a no-op.
	require.NoError(t, m.Stop(context.Background(), "ws-1"))
	assert.Len(t, docker.stopped, 1)
}

func TestManagerStopWithoutContainer(t *testing.T) {
	m, docker, _ := newTestManager(t)
	createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")

	require.NoError(t, m.Stop(context.Background(), "ws-1"))
	assert.Empty(t, docker.stopped)
}

func TestManagerStopUnknownWorkspace(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.ErrorIs(t, m.Stop(context.Background(), "nope"), ErrNotFound)
}

func TestManagerRestart(t *testing.T) {
	m, docker, _ := newTestManager(t)
	snap := createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")
	docker.addContainer(snap.WorkspaceDir, "ctr-1")

	require.NoError(t, m.Restart(context.Background(), "ws-1"))

	ws, err := m.Get("ws-1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, ws.State())
	assert.Equal(t, []string{"ctr-1"}, docker.stopped)
}

func TestManagerDelete(t *testing.T) {
	m, docker, purger := newTestManager(t)
	snap := createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")
	docker.addContainer(snap.WorkspaceDir, "ctr-1")
	require.NoError(t, os.WriteFile(filepath.Join(snap.WorkspaceDir, "README.md"), []byte("hi"), 0o644))

	require.NoError(t, m.Delete(context.Background(), "ws-1"))

	_, err := m.Get("ws-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"ctr-1"}, docker.removed)
	assert.NoDirExists(t, snap.WorkspaceDir)
	assert.Equal(t, []string{"ws-1"}, purger.purged)
	assert.Empty(t, m.Events().WorkspaceEvents("ws-1", 0))
	// The deletion itself is recorded at node level.
	assert.NotEmpty(t, m.Events().NodeEvents(0))
}

func TestManagerList(t *testing.T) {
	m, _, _ := newTestManager(t)
	createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")
	createWorkspace(t, m, "ws-2", "https://github.com/acme/gadgets.git")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "ws-1", list[0].ID)
	assert.Equal(t, "ws-2", list[1].ID)
}

func TestManagerStopAll(t *testing.T) {
	m, docker, _ := newTestManager(t)
	a := createWorkspace(t, m, "ws-1", "https://github.com/acme/widgets.git")
	b := createWorkspace(t, m, "ws-2", "https://github.com/acme/gadgets.git")
	docker.addContainer(a.WorkspaceDir, "ctr-1")
	docker.addContainer(b.WorkspaceDir, "ctr-2")

	m.BeginShutdown()
	m.StopAll(context.Background())

	for _, id := range []string{"ws-1", "ws-2"} {
		ws, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StateStopped, ws.State())
	}
	assert.Len(t, docker.stopped, 2)
}
