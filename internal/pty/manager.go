package pty

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// ContainerResolver returns the workspace's current devcontainer ID.
// Returning ("", nil) runs sessions directly on the node.
type ContainerResolver func(ctx context.Context) (string, error)

// Manager owns the PTY sessions of one workspace.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	orphanTimers map[string]*time.Timer

	defaultShell  string
	defaultRows   int
	defaultCols   int
	workDir       string
	containerUser string
	bufferSize    int
	orphanGrace   time.Duration
	resolver      ContainerResolver
	onActivity    func()
	logger        *logger.Logger
}

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	DefaultShell      string
	DefaultRows       int
	DefaultCols       int
	WorkDir           string
	ContainerUser     string
	OutputBufferSize  int
	OrphanGracePeriod time.Duration
	ContainerResolver ContainerResolver
	OnActivity        func()
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig, log *logger.Logger) *Manager {
	return &Manager{
		sessions:      make(map[string]*Session),
		orphanTimers:  make(map[string]*time.Timer),
		defaultShell:  cfg.DefaultShell,
		defaultRows:   cfg.DefaultRows,
		defaultCols:   cfg.DefaultCols,
		workDir:       cfg.WorkDir,
		containerUser: cfg.ContainerUser,
		bufferSize:    cfg.OutputBufferSize,
		orphanGrace:   cfg.OrphanGracePeriod,
		resolver:      cfg.ContainerResolver,
		onActivity:    cfg.OnActivity,
		logger:        log.WithFields(zap.String("component", "pty")),
	}
}

// CreateSession starts a new shell session inside the devcontainer.
func (m *Manager) CreateSession(ctx context.Context, userID string, rows, cols int) (*Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	if rows <= 0 {
		rows = m.defaultRows
	}
	if cols <= 0 {
		cols = m.defaultCols
	}

	var containerID string
	if m.resolver != nil {
		containerID, err = m.resolver(ctx)
		if err != nil {
			return nil, fmt.Errorf("devcontainer not available: %w", err)
		}
	}

	session, err := NewSession(SessionConfig{
		ID:            sessionID,
		UserID:        userID,
		Shell:         m.defaultShell,
		Rows:          rows,
		Cols:          cols,
		WorkDir:       m.workDir,
		ContainerID:   containerID,
		ContainerUser: m.containerUser,
		BufferSize:    m.bufferSize,
		OnClose: func() {
			m.removeSession(sessionID)
		},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	m.logger.Info("created pty session",
		zap.String("session_id", sessionID),
		zap.String("container_id", containerID))
	return session, nil
}

// GetSession retrieves a session by ID, or nil.
func (m *Manager) GetSession(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// ListSessions returns all live sessions.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// OrphanSession marks a session as viewerless. With a zero grace period the
// session stays alive until explicitly closed; otherwise a timer reaps it
// unless ReattachSession arrives first.
func (m *Manager) OrphanSession(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	session.markOrphaned()

	if m.orphanGrace > 0 {
		if t, exists := m.orphanTimers[sessionID]; exists {
			t.Stop()
		}
		m.orphanTimers[sessionID] = time.AfterFunc(m.orphanGrace, func() {
			m.logger.Info("reaping orphaned pty session",
				zap.String("session_id", sessionID))
			_ = m.CloseSession(sessionID)
		})
	}
	m.mu.Unlock()

	m.logger.Info("pty session orphaned", zap.String("session_id", sessionID))
}

// ReattachSession cancels a pending orphan reap and returns the session for
// the new viewer to attach to.
func (m *Manager) ReattachSession(sessionID string) (*Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	if t, exists := m.orphanTimers[sessionID]; exists {
		t.Stop()
		delete(m.orphanTimers, sessionID)
	}
	m.mu.Unlock()
	return session, nil
}

// OrphanedSessionCount returns how many sessions currently lack a viewer.
func (m *Manager) OrphanedSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.IsOrphaned() {
			count++
		}
	}
	return count
}

// CloseSession closes one session.
func (m *Manager) CloseSession(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not found: %s", sessionID)
	}
	delete(m.sessions, sessionID)
	if t, exists := m.orphanTimers[sessionID]; exists {
		t.Stop()
		delete(m.orphanTimers, sessionID)
	}
	m.mu.Unlock()

	return session.Close()
}

// CloseAllSessions closes every session. Used on workspace teardown.
func (m *Manager) CloseAllSessions() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	for id, t := range m.orphanTimers {
		t.Stop()
		delete(m.orphanTimers, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// LastActivity returns the most recent activity across all sessions.
func (m *Manager) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	for _, s := range m.sessions {
		if t := s.LastActive(); t.After(last) {
			last = t
		}
	}
	return last
}

// NotifyActivity is called by transport handlers on viewer traffic.
func (m *Manager) NotifyActivity() {
	if m.onActivity != nil {
		m.onActivity()
	}
}

func (m *Manager) removeSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	if t, exists := m.orphanTimers[sessionID]; exists {
		t.Stop()
		delete(m.orphanTimers, sessionID)
	}
	m.mu.Unlock()
}

func generateSessionID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
