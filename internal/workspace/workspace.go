// Package workspace manages the per-workspace runtime contexts hosted on
// one node: lifecycle state, devcontainer discovery, PTY and ACP children,
// and the bounded event log.
package workspace

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samcloud/node-agent/internal/acp"
	"github.com/samcloud/node-agent/internal/container"
	"github.com/samcloud/node-agent/internal/pty"
)

// State is a workspace's lifecycle state.
type State string

const (
	StateCreating State = "creating"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Workspace is one isolated runtime context on the node. Children (PTY
// sessions, ACP session hosts) attach to it and are torn down with it.
type Workspace struct {
	ID               string
	Repository       string
	Branch           string
	DisplayName      string
	NormalizedName   string
	VMSize           string
	WorkspaceDir     string
	ContainerWorkDir string
	CreatedAt        time.Time

	PTY       *pty.Manager
	Discovery *container.Discovery

	mu       sync.RWMutex
	state    State
	stateErr string

	hostMu   sync.Mutex
	acpHosts map[string]*acp.SessionHost
}

// Snapshot is a copy of a workspace's externally visible state.
type Snapshot struct {
	ID               string `json:"workspaceId"`
	Repository       string `json:"repository"`
	Branch           string `json:"branch,omitempty"`
	DisplayName      string `json:"displayName"`
	VMSize           string `json:"vmSize,omitempty"`
	WorkspaceDir     string `json:"workspaceDir"`
	ContainerWorkDir string `json:"containerWorkDir"`
	State            string `json:"state"`
	Error            string `json:"error,omitempty"`
	CreatedAt        string `json:"createdAt"`
	PTYSessionCount  int    `json:"ptySessionCount"`
	ACPSessionCount  int    `json:"acpSessionCount"`
}

// State returns the current lifecycle state.
func (w *Workspace) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Workspace) setState(state State, errMsg string) {
	w.mu.Lock()
	w.state = state
	w.stateErr = errMsg
	w.mu.Unlock()
}

// Snapshot returns a copy of the workspace for listing and responses.
func (w *Workspace) Snapshot() Snapshot {
	w.mu.RLock()
	state := w.state
	stateErr := w.stateErr
	w.mu.RUnlock()

	w.hostMu.Lock()
	acpCount := len(w.acpHosts)
	w.hostMu.Unlock()

	return Snapshot{
		ID:               w.ID,
		Repository:       w.Repository,
		Branch:           w.Branch,
		DisplayName:      w.DisplayName,
		VMSize:           w.VMSize,
		WorkspaceDir:     w.WorkspaceDir,
		ContainerWorkDir: w.ContainerWorkDir,
		State:            string(state),
		Error:            stateErr,
		CreatedAt:        w.CreatedAt.UTC().Format(time.RFC3339),
		PTYSessionCount:  w.PTY.SessionCount(),
		ACPSessionCount:  acpCount,
	}
}

// RegisterHost attaches an ACP session host to the workspace. Returns the
// already-registered host when the session ID is taken.
func (w *Workspace) RegisterHost(sessionID string, host *acp.SessionHost) *acp.SessionHost {
	w.hostMu.Lock()
	defer w.hostMu.Unlock()
	if existing, ok := w.acpHosts[sessionID]; ok {
		return existing
	}
	w.acpHosts[sessionID] = host
	return host
}

// Host returns the ACP session host for a session ID, or nil.
func (w *Workspace) Host(sessionID string) *acp.SessionHost {
	w.hostMu.Lock()
	defer w.hostMu.Unlock()
	return w.acpHosts[sessionID]
}

// RemoveHost detaches (without stopping) an ACP session host.
func (w *Workspace) RemoveHost(sessionID string) {
	w.hostMu.Lock()
	delete(w.acpHosts, sessionID)
	w.hostMu.Unlock()
}

// Hosts returns the attached ACP session hosts.
func (w *Workspace) Hosts() map[string]*acp.SessionHost {
	w.hostMu.Lock()
	defer w.hostMu.Unlock()
	out := make(map[string]*acp.SessionHost, len(w.acpHosts))
	for id, h := range w.acpHosts {
		out[id] = h
	}
	return out
}

// stopChildren terminates the workspace's children in order: ACP hosts first
// (each gets its cancel-and-grace treatment inside Stop), then PTY sessions.
func (w *Workspace) stopChildren() {
	w.hostMu.Lock()
	hosts := make([]*acp.SessionHost, 0, len(w.acpHosts))
	for _, h := range w.acpHosts {
		hosts = append(hosts, h)
	}
	w.acpHosts = make(map[string]*acp.SessionHost)
	w.hostMu.Unlock()

	for _, h := range hosts {
		h.Stop()
	}
	w.PTY.CloseAllSessions()
}

// repositoryDirName derives the checkout directory name from a repository
// URL or path: the final path segment with any ".git" suffix removed.
func repositoryDirName(repository string) string {
	repo := strings.TrimSpace(repository)
	repo = strings.TrimSuffix(repo, "/")
	repo = strings.TrimSuffix(repo, ".git")
	if idx := strings.LastIndexAny(repo, "/:"); idx >= 0 {
		repo = repo[idx+1:]
	}
	return strings.TrimSpace(repo)
}

// deriveContainerWorkDir maps the host workspace directory to the path the
// devcontainer mounts it at. The basename carries over.
func deriveContainerWorkDir(workspaceDir string) string {
	base := filepath.Base(strings.TrimSpace(workspaceDir))
	if base == "" || base == "." || base == "/" {
		return "/workspaces"
	}
	return filepath.Join("/workspaces", base)
}
