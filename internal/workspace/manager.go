package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/samcloud/node-agent/internal/acp"
	"github.com/samcloud/node-agent/internal/common/logger"
	"github.com/samcloud/node-agent/internal/container"
	"github.com/samcloud/node-agent/internal/pty"
)

var (
	// ErrNotFound is returned when no workspace matches the requested ID.
	ErrNotFound = errors.New("workspace not found")
	// ErrAlreadyExists is returned on a duplicate workspace ID.
	ErrAlreadyExists = errors.New("workspace already exists")
	// ErrNodeStopping rejects new work while the node is shutting down.
	ErrNodeStopping = errors.New("node is stopping")
	// ErrLimitReached rejects creation past the configured workspace cap.
	ErrLimitReached = errors.New("workspace limit reached")
)

// ContainerOps is the subset of the docker client the manager needs. It is
// satisfied by *container.Client.
type ContainerOps interface {
	container.Lister
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
}

// SessionPurger drops persisted ACP session records for a deleted workspace.
// Satisfied by *store.Store; nil disables purging.
type SessionPurger interface {
	DeleteWorkspaceACPSessions(workspaceID string) error
}

// ManagerConfig carries the node-level settings the manager applies to every
// workspace it creates.
type ManagerConfig struct {
	NodeID            string
	BaseDir           string
	ContainerLabelKey string
	ContainerCacheTTL time.Duration
	ContainerUser     string
	ContainerStopWait time.Duration
	MaxWorkspaces     int
	MaxEvents         int

	// PTY defaults handed to each workspace's session manager.
	DefaultShell      string
	DefaultRows       int
	DefaultCols       int
	OutputBufferSize  int
	OrphanGracePeriod time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.BaseDir == "" {
		c.BaseDir = "/workspaces"
	}
	if c.ContainerStopWait <= 0 {
		c.ContainerStopWait = 10 * time.Second
	}
	if c.DefaultShell == "" {
		c.DefaultShell = "/bin/bash"
	}
	if c.DefaultRows <= 0 {
		c.DefaultRows = 24
	}
	if c.DefaultCols <= 0 {
		c.DefaultCols = 80
	}
	return c
}

// CreateRequest carries the control plane's workspace provisioning request.
type CreateRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	Repository  string `json:"repository" binding:"required"`
	Branch      string `json:"branch"`
	DisplayName string `json:"displayName"`
	VMSize      string `json:"vmSize"`
}

// Manager owns every workspace on the node.
type Manager struct {
	cfg    ManagerConfig
	docker ContainerOps
	purger SessionPurger
	events *EventLog
	logger *logger.Logger

	stopping atomic.Bool

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// NewManager creates a workspace manager. purger may be nil.
func NewManager(cfg ManagerConfig, docker ContainerOps, purger SessionPurger, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		docker:     docker,
		purger:     purger,
		events:     NewEventLog(cfg.NodeID, cfg.MaxEvents),
		logger:     log.WithFields(zap.String("component", "workspace")),
		workspaces: make(map[string]*Workspace),
	}
}

// Events exposes the node event log.
func (m *Manager) Events() *EventLog {
	return m.events
}

// BeginShutdown marks the node as stopping. Creation and restart requests
// are rejected from this point on.
func (m *Manager) BeginShutdown() {
	m.stopping.Store(true)
}

// Create registers a new workspace and prepares its runtime children. The
// devcontainer itself is built out of band; the workspace flips to ready as
// soon as it is registered and its directory exists.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Snapshot, error) {
	if m.stopping.Load() {
		return Snapshot{}, ErrNodeStopping
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workspaces[req.WorkspaceID]; ok {
		return Snapshot{}, ErrAlreadyExists
	}
	if m.cfg.MaxWorkspaces > 0 && len(m.workspaces) >= m.cfg.MaxWorkspaces {
		return Snapshot{}, ErrLimitReached
	}

	taken := make(map[string]bool, len(m.workspaces))
	for _, w := range m.workspaces {
		taken[w.NormalizedName] = true
	}
	display := req.DisplayName
	if display == "" {
		display = repositoryDirName(req.Repository)
	}
	display, normalized := uniqueDisplayName(display, taken)

	dirName := repositoryDirName(req.Repository)
	if dirName == "" {
		dirName = req.WorkspaceID
	}
	for _, w := range m.workspaces {
		if filepath.Base(w.WorkspaceDir) == dirName {
			dirName = fmt.Sprintf("%s-%s", dirName, req.WorkspaceID)
			break
		}
	}
	workspaceDir := filepath.Join(m.cfg.BaseDir, dirName)
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("create workspace dir: %w", err)
	}

	ws := &Workspace{
		ID:               req.WorkspaceID,
		Repository:       req.Repository,
		Branch:           req.Branch,
		DisplayName:      display,
		NormalizedName:   normalized,
		VMSize:           req.VMSize,
		WorkspaceDir:     workspaceDir,
		ContainerWorkDir: deriveContainerWorkDir(workspaceDir),
		CreatedAt:        time.Now(),
		state:            StateCreating,
		acpHosts:         make(map[string]*acp.SessionHost),
	}

	ws.Discovery = container.NewDiscovery(m.docker, container.DiscoveryConfig{
		LabelKey:   m.cfg.ContainerLabelKey,
		LabelValue: workspaceDir,
		CacheTTL:   m.cfg.ContainerCacheTTL,
	}, m.logger)

	ws.PTY = pty.NewManager(pty.ManagerConfig{
		DefaultShell:      m.cfg.DefaultShell,
		DefaultRows:       m.cfg.DefaultRows,
		DefaultCols:       m.cfg.DefaultCols,
		WorkDir:           ws.ContainerWorkDir,
		ContainerUser:     m.cfg.ContainerUser,
		OutputBufferSize:  m.cfg.OutputBufferSize,
		OrphanGracePeriod: m.cfg.OrphanGracePeriod,
		ContainerResolver: ws.Discovery.Resolver(),
	}, m.logger)

	m.workspaces[ws.ID] = ws
	ws.setState(StateReady, "")

	m.logger.Info("workspace created",
		zap.String("workspace_id", ws.ID),
		zap.String("display_name", ws.DisplayName),
		zap.String("workspace_dir", ws.WorkspaceDir))
	m.events.Append(ws.ID, "info", "workspace.created",
		fmt.Sprintf("workspace %s created", ws.DisplayName),
		map[string]any{"repository": ws.Repository, "branch": ws.Branch})

	return ws.Snapshot(), nil
}

// Get returns the workspace for an ID.
func (m *Manager) Get(workspaceID string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	return ws, nil
}

// List returns snapshots of every workspace, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		all = append(all, ws)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	out := make([]Snapshot, len(all))
	for i, ws := range all {
		out[i] = ws.Snapshot()
	}
	return out
}

// Stop tears the workspace's runtime down: ACP agents first, then PTY
// sessions, then the devcontainer. The workspace directory is preserved so
// the workspace can be restarted.
func (m *Manager) Stop(ctx context.Context, workspaceID string) error {
	ws, err := m.Get(workspaceID)
	if err != nil {
		return err
	}
	if ws.State() == StateStopped {
		return nil
	}

	ws.setState(StateStopping, "")
	m.events.Append(ws.ID, "info", "workspace.stopping", "workspace stopping", nil)

	ws.stopChildren()

	if err := m.stopContainer(ctx, ws); err != nil {
		ws.setState(StateError, err.Error())
		m.events.Append(ws.ID, "error", "workspace.stop_failed", err.Error(), nil)
		return err
	}

	ws.setState(StateStopped, "")
	m.logger.Info("workspace stopped", zap.String("workspace_id", ws.ID))
	m.events.Append(ws.ID, "info", "workspace.stopped", "workspace stopped", nil)
	return nil
}

// Restart stops the workspace and flips it back to ready. Children restart
// lazily on the next terminal or agent attach.
func (m *Manager) Restart(ctx context.Context, workspaceID string) error {
	if m.stopping.Load() {
		return ErrNodeStopping
	}
	if err := m.Stop(ctx, workspaceID); err != nil {
		return err
	}
	ws, err := m.Get(workspaceID)
	if err != nil {
		return err
	}
	ws.Discovery.Invalidate()
	ws.setState(StateReady, "")
	m.events.Append(ws.ID, "info", "workspace.restarted", "workspace restarted", nil)
	return nil
}

// Delete stops the workspace, removes its devcontainer and directory, and
// drops its persisted agent sessions. Irreversible.
func (m *Manager) Delete(ctx context.Context, workspaceID string) error {
	ws, err := m.Get(workspaceID)
	if err != nil {
		return err
	}

	ws.setState(StateStopping, "")
	ws.stopChildren()

	if id, derr := ws.Discovery.GetContainerID(ctx); derr == nil {
		if rerr := m.docker.RemoveContainer(ctx, id, true); rerr != nil {
			m.logger.Warn("container removal failed",
				zap.String("workspace_id", ws.ID), zap.Error(rerr))
		}
	} else if !errors.Is(derr, container.ErrNoContainerFound) {
		m.logger.Warn("container lookup failed during delete",
			zap.String("workspace_id", ws.ID), zap.Error(derr))
	}

	if err := os.RemoveAll(ws.WorkspaceDir); err != nil {
		return fmt.Errorf("remove workspace dir: %w", err)
	}

	if m.purger != nil {
		if err := m.purger.DeleteWorkspaceACPSessions(ws.ID); err != nil {
			m.logger.Warn("purging persisted agent sessions failed",
				zap.String("workspace_id", ws.ID), zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.workspaces, workspaceID)
	m.mu.Unlock()

	m.events.Append("", "info", "workspace.deleted",
		fmt.Sprintf("workspace %s deleted", ws.DisplayName),
		map[string]any{"workspaceId": ws.ID})
	m.events.DropWorkspace(ws.ID)

	m.logger.Info("workspace deleted", zap.String("workspace_id", ws.ID))
	return nil
}

// StopAll stops every workspace concurrently. Used during node shutdown
// after BeginShutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.workspaces))
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Stop(ctx, id); err != nil {
				m.logger.Warn("workspace stop failed during shutdown",
					zap.String("workspace_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) stopContainer(ctx context.Context, ws *Workspace) error {
	id, err := ws.Discovery.GetContainerID(ctx)
	if errors.Is(err, container.ErrNoContainerFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve container: %w", err)
	}
	if err := m.docker.StopContainer(ctx, id, m.cfg.ContainerStopWait); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	ws.Discovery.Invalidate()
	return nil
}
