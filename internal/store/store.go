// Package store provides the embedded SQLite database backing the durable
// outboxes and ACP session metadata.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// Store wraps the SQLite database file. Writes are serialized through a
// Go-level mutex on top of SQLite's own locking so that batched outbox
// flushes never contend with enqueues mid-transaction.
type Store struct {
	db      *sqlx.DB
	writeMu sync.Mutex
	log     *logger.Logger
}

// Open opens (or creates) the database file at path and runs migrations.
func Open(path string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY between the write mutex holders.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:  db,
		log: log.WithFields(zap.String("component", "store")),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

type migration struct {
	version int
	apply   func(*sqlx.Tx) error
}

var migrations = []migration{
	{1, migrateOutboxes},
	{2, migrateACPSessions},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		s.log.Info("applied migration", zap.Int("version", m.version))
	}
	return nil
}

// Outbox tables share one schema; the UNIQUE constraint on message_id makes
// enqueue idempotent under caller retry and crash recovery.
const outboxSchema = `
CREATE TABLE IF NOT EXISTS %s (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id      TEXT NOT NULL UNIQUE,
	payload         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at);
`

func migrateOutboxes(tx *sqlx.Tx) error {
	for _, table := range outboxTables {
		if _, err := tx.Exec(fmt.Sprintf(outboxSchema, table, table, table)); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

func migrateACPSessions(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS acp_sessions (
	session_id     TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	agent_type     TEXT NOT NULL DEFAULT '',
	acp_session_id TEXT NOT NULL DEFAULT '',
	label          TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	last_prompt    TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acp_sessions_workspace ON acp_sessions (workspace_id);
`)
	return err
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
