package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ACPSessionRecord mirrors one row of the acp_sessions table. Persisted
// sessions are reconstructed after a process restart so viewers can resume
// via LoadSession.
type ACPSessionRecord struct {
	SessionID    string `db:"session_id"`
	WorkspaceID  string `db:"workspace_id"`
	AgentType    string `db:"agent_type"`
	ACPSessionID string `db:"acp_session_id"`
	Label        string `db:"label"`
	Status       string `db:"status"`
	LastPrompt   string `db:"last_prompt"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

// UpsertACPSession inserts or updates a session record.
func (s *Store) UpsertACPSession(rec ACPSessionRecord) error {
	if rec.SessionID == "" || rec.WorkspaceID == "" {
		return fmt.Errorf("session_id and workspace_id are required")
	}
	now := nowRFC3339()
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.NamedExec(`
INSERT INTO acp_sessions
	(session_id, workspace_id, agent_type, acp_session_id, label, status, last_prompt, created_at, updated_at)
VALUES
	(:session_id, :workspace_id, :agent_type, :acp_session_id, :label, :status, :last_prompt, :created_at, :updated_at)
ON CONFLICT(session_id) DO UPDATE SET
	agent_type = excluded.agent_type,
	acp_session_id = excluded.acp_session_id,
	label = excluded.label,
	status = excluded.status,
	last_prompt = excluded.last_prompt,
	updated_at = excluded.updated_at`, rec)
	if err != nil {
		return fmt.Errorf("upsert acp session: %w", err)
	}
	return nil
}

// GetACPSession returns one session record, or (nil, nil) when absent.
func (s *Store) GetACPSession(sessionID string) (*ACPSessionRecord, error) {
	var rec ACPSessionRecord
	err := s.db.Get(&rec, `SELECT * FROM acp_sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get acp session: %w", err)
	}
	return &rec, nil
}

// ListACPSessions returns all session records for a workspace, oldest first.
func (s *Store) ListACPSessions(workspaceID string) ([]ACPSessionRecord, error) {
	var recs []ACPSessionRecord
	err := s.db.Select(&recs,
		`SELECT * FROM acp_sessions WHERE workspace_id = ? ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list acp sessions: %w", err)
	}
	return recs, nil
}

// DeleteACPSession removes one session record.
func (s *Store) DeleteACPSession(sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM acp_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete acp session: %w", err)
	}
	return nil
}

// DeleteWorkspaceACPSessions removes every session record for a workspace.
func (s *Store) DeleteWorkspaceACPSessions(workspaceID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM acp_sessions WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("delete workspace acp sessions: %w", err)
	}
	return nil
}
