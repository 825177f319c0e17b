// Package pty provides terminal sessions running inside a workspace's
// devcontainer, with output capture for viewer reconnects.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrViewerAttached is returned by Attach without takeover while another
// viewer holds the session.
var ErrViewerAttached = errors.New("session already has an attached viewer")

// sighupGrace is how long Close waits for the shell to honor SIGHUP before
// killing it.
const sighupGrace = 2 * time.Second

// Session is one shell under a pseudo-terminal. The shell runs via docker
// exec inside the devcontainer; when ContainerID is empty it runs directly on
// the node. Output is mirrored into a ring buffer so a reconnecting viewer
// can replay the recent scrollback.
type Session struct {
	ID          string
	UserID      string
	ContainerID string
	CreatedAt   time.Time

	cmd    *exec.Cmd
	ptmx   *os.File
	buffer *RingBuffer

	mu         sync.RWMutex
	rows       int
	cols       int
	lastActive time.Time
	orphaned   bool
	orphanedAt time.Time
	viewer     io.Writer
	closed     bool

	onClose func()
}

// SessionConfig holds configuration for creating a session.
type SessionConfig struct {
	ID            string
	UserID        string
	Shell         string
	Rows          int
	Cols          int
	Env           []string
	WorkDir       string
	ContainerID   string
	ContainerUser string
	BufferSize    int
	OnClose       func()
}

// NewSession starts the shell under a PTY and begins capturing output.
func NewSession(cfg SessionConfig) (*Session, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	var cmd *exec.Cmd
	if cfg.ContainerID != "" {
		args := []string{"exec", "-it"}
		if cfg.ContainerUser != "" {
			args = append(args, "-u", cfg.ContainerUser)
		}
		if cfg.WorkDir != "" {
			args = append(args, "-w", cfg.WorkDir)
		}
		args = append(args, "-e", "TERM=xterm-256color")
		for _, e := range cfg.Env {
			args = append(args, "-e", e)
		}
		args = append(args, cfg.ContainerID, shell)
		cmd = exec.Command("docker", args...)
	} else {
		cmd = exec.Command(shell)
		cmd.Env = append(os.Environ(), cfg.Env...)
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
		if cfg.WorkDir != "" {
			cmd.Dir = cfg.WorkDir
		}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:          cfg.ID,
		UserID:      cfg.UserID,
		ContainerID: cfg.ContainerID,
		CreatedAt:   now,
		cmd:         cmd,
		ptmx:        ptmx,
		buffer:      NewRingBuffer(cfg.BufferSize),
		rows:        rows,
		cols:        cols,
		lastActive:  now,
		onClose:     cfg.OnClose,
	}
	go s.pumpOutput()
	return s, nil
}

// pumpOutput copies PTY output into the ring buffer and the attached viewer.
// The buffer append and the viewer lookup happen under one lock so an
// attaching viewer's scrollback snapshot and its live feed never miss a
// chunk. A viewer write failure detaches the viewer but keeps the session
// alive.
func (s *Session) pumpOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			s.mu.Lock()
			_, _ = s.buffer.Write(chunk)
			s.lastActive = time.Now()
			viewer := s.viewer
			s.mu.Unlock()

			if viewer != nil {
				if _, werr := viewer.Write(chunk); werr != nil {
					s.mu.Lock()
					if s.viewer == viewer {
						s.viewer = nil
					}
					s.mu.Unlock()
				}
			}
		}
		if err != nil {
			_ = s.Close()
			return
		}
	}
}

// Attach installs w as the session's single viewer and returns the
// scrollback snapshot taken at the moment of attachment; the caller replays
// it before live output (which the session queues against w from this point
// on). Without takeover, attaching over an existing viewer fails with
// ErrViewerAttached; with takeover the replaced viewer is returned.
func (s *Session) Attach(w io.Writer, takeover bool) (scrollback []byte, prev io.Writer, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewer != nil && !takeover {
		return nil, nil, ErrViewerAttached
	}
	prev = s.viewer
	s.viewer = w
	s.orphaned = false
	s.orphanedAt = time.Time{}
	return s.buffer.ReadAll(), prev, nil
}

// Detach removes w if it is still the attached viewer.
func (s *Session) Detach(w io.Writer) {
	s.mu.Lock()
	if s.viewer == w {
		s.viewer = nil
	}
	s.mu.Unlock()
}

// Viewer returns the currently attached viewer, or nil.
func (s *Session) Viewer() io.Writer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewer
}

// Scrollback returns a copy of the buffered recent output.
func (s *Session) Scrollback() []byte {
	return s.buffer.ReadAll()
}

// Write feeds viewer keystrokes to the shell.
func (s *Session) Write(p []byte) (int, error) {
	s.touch()
	return s.ptmx.Write(p)
}

// Resize changes the PTY window size.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	s.rows = rows
	s.cols = cols
	s.mu.Unlock()
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Size returns the current PTY dimensions.
func (s *Session) Size() (rows, cols int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows, s.cols
}

// Close tears down the PTY and the shell process. Safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
	if err := s.ptmx.Close(); err != nil && err != io.EOF {
		return err
	}
	if s.cmd.Process != nil {
		// SIGHUP first so the shell can run its exit hooks; kill only if
		// the grace elapses.
		_ = s.cmd.Process.Signal(syscall.SIGHUP)
		done := make(chan struct{})
		go func() {
			_, _ = s.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(sighupGrace):
			_ = s.cmd.Process.Kill()
			<-done
		}
	}
	return nil
}

// IsRunning reports whether the shell process is still alive.
func (s *Session) IsRunning() bool {
	if s.cmd.Process == nil {
		return false
	}
	return s.cmd.ProcessState == nil
}

// IsOrphaned reports whether the session lost its viewer and is awaiting
// reattach or reaping.
func (s *Session) IsOrphaned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orphaned
}

func (s *Session) markOrphaned() {
	s.mu.Lock()
	s.orphaned = true
	s.orphanedAt = time.Now()
	s.viewer = nil
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the most recent input or output.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// IdleTime returns how long the session has been idle.
func (s *Session) IdleTime() time.Duration {
	return time.Since(s.LastActive())
}
