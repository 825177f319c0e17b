package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Outbox table names. Table names cannot be bound as SQL parameters, so the
// set is closed and every caller-supplied name is checked against it.
const (
	MessageOutbox  = "message_outbox"
	BootLogOutbox  = "bootlog_outbox"
	ErrorLogOutbox = "errorlog_outbox"
)

var outboxTables = []string{MessageOutbox, BootLogOutbox, ErrorLogOutbox}

// ErrOutboxFull is returned by Enqueue when the outbox is at capacity.
var ErrOutboxFull = fmt.Errorf("outbox full")

// OutboxRow is one durable row awaiting delivery to the control plane.
type OutboxRow struct {
	ID            int64          `db:"id"`
	MessageID     string         `db:"message_id"`
	Payload       string         `db:"payload"`
	CreatedAt     string         `db:"created_at"`
	Attempts      int            `db:"attempts"`
	LastAttemptAt sql.NullString `db:"last_attempt_at"`
}

func validOutboxTable(table string) error {
	for _, t := range outboxTables {
		if t == table {
			return nil
		}
	}
	return fmt.Errorf("unknown outbox table %q", table)
}

// EnqueueOutbox inserts one row into the named outbox. INSERT OR IGNORE on
// the message_id UNIQUE constraint makes the call idempotent. Returns
// ErrOutboxFull when the table already holds maxSize rows.
func (s *Store) EnqueueOutbox(table, messageID, payload, createdAt string, maxSize int) error {
	if err := validOutboxTable(table); err != nil {
		return err
	}
	if createdAt == "" {
		createdAt = nowRFC3339()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var count int
	if err := s.db.Get(&count, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err != nil {
		return fmt.Errorf("count %s: %w", table, err)
	}
	if maxSize > 0 && count >= maxSize {
		s.log.Warn("outbox full, dropping entry",
			zap.String("table", table),
			zap.Int("size", count),
			zap.Int("max", maxSize),
			zap.String("message_id", messageID))
		return fmt.Errorf("%w: %s (%d/%d)", ErrOutboxFull, table, count, maxSize)
	}

	_, err := s.db.Exec(
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (message_id, payload, created_at) VALUES (?, ?, ?)`, table),
		messageID, payload, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// ReadOutboxBatch returns the oldest rows, at most maxRows, bounded by
// maxBytes of payload (always including at least one row).
func (s *Store) ReadOutboxBatch(table string, maxRows, maxBytes int) ([]OutboxRow, error) {
	if err := validOutboxTable(table); err != nil {
		return nil, err
	}

	var rows []OutboxRow
	err := s.db.Select(&rows, fmt.Sprintf(
		`SELECT id, message_id, payload, created_at, attempts, last_attempt_at
		 FROM %s ORDER BY created_at ASC, id ASC LIMIT ?`, table), maxRows)
	if err != nil {
		return nil, fmt.Errorf("read %s batch: %w", table, err)
	}

	if maxBytes <= 0 {
		return rows, nil
	}
	var batch []OutboxRow
	var totalBytes int
	for _, row := range rows {
		if len(batch) > 0 && totalBytes+len(row.Payload) > maxBytes {
			break
		}
		batch = append(batch, row)
		totalBytes += len(row.Payload)
	}
	return batch, nil
}

// DeleteOutboxRows removes delivered rows. The delete is transactional so a
// batch is removed all-or-nothing.
func (s *Store) DeleteOutboxRows(table string, ids []int64) error {
	if err := validOutboxTable(table); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete %s row %d: %w", table, id, err)
		}
	}
	return tx.Commit()
}

// BumpOutboxAttempts increments the attempt counter on rows whose delivery
// failed transiently, stamping the attempt time.
func (s *Store) BumpOutboxAttempts(table string, ids []int64) error {
	if err := validOutboxTable(table); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := nowRFC3339()
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin bump: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(fmt.Sprintf(
			"UPDATE %s SET attempts = attempts + 1, last_attempt_at = ? WHERE id = ?", table), now, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump %s row %d: %w", table, id, err)
		}
	}
	return tx.Commit()
}

// OutboxCount returns the current number of rows in the named outbox.
func (s *Store) OutboxCount(table string) (int, error) {
	if err := validOutboxTable(table); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.Get(&count, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}
