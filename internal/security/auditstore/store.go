// Package auditstore is the optional durable spool for audit batches that
// could not be posted to the bus. Entries survive daemon restarts and are
// re-posted on later flush ticks.
package auditstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/agentbus/agentbus/internal/bus"
)

// Store is a SQLite-backed audit spool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the spool database at path and runs
// migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit spool: %w", err)
	}

	// WAL keeps readers from blocking the single writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Enqueue persists entries that failed to flush.
func (s *Store) Enqueue(entries []bus.AuditEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin spool tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare("INSERT INTO audit_spool (entry) VALUES (?)")
	if err != nil {
		return fmt.Errorf("prepare spool insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		if _, err := stmt.Exec(string(data)); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return tx.Commit()
}

// Dequeue returns up to limit spooled entries with their row IDs. Rows are
// deleted only after a successful re-post, via Delete.
func (s *Store) Dequeue(limit int) ([]bus.AuditEntry, []int64, error) {
	rows, err := s.db.Query("SELECT id, entry FROM audit_spool ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, nil, fmt.Errorf("query audit spool: %w", err)
	}
	defer rows.Close()

	var entries []bus.AuditEntry
	var ids []int64
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, nil, fmt.Errorf("scan audit row: %w", err)
		}
		var e bus.AuditEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			// A corrupt row is unrecoverable; drop it rather than wedge
			// the spool.
			ids = append(ids, id)
			continue
		}
		entries = append(entries, e)
		ids = append(ids, id)
	}
	return entries, ids, rows.Err()
}

// Delete removes spool rows by ID after a successful re-post.
func (s *Store) Delete(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec("DELETE FROM audit_spool WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("delete spool rows: %w", err)
	}
	return nil
}

// Len returns the number of spooled entries.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_spool").Scan(&n)
	return n, err
}
