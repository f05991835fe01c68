package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"pi-executor/internal/domain"
)

// SQLiteSink persists normalized entries and session ids per run.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open entries db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate entries db: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id     TEXT PRIMARY KEY,
		session_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		run_id     TEXT NOT NULL,
		idx        INTEGER NOT NULL,
		type       TEXT NOT NULL,
		content    TEXT NOT NULL DEFAULT '',
		entry_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (run_id, idx)
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Consume follows store and mirrors every patch and session id into the
// database under runID. It returns when the store is closed or ctx ends.
func (s *SQLiteSink) Consume(ctx context.Context, runID string, store *Store) error {
	if err := s.ensureRun(ctx, runID); err != nil {
		return err
	}
	for msg := range store.Subscribe(ctx) {
		var err error
		switch msg.Kind {
		case KindPatch:
			err = s.upsertEntry(ctx, runID, msg.Index, *msg.Entry)
		case KindSessionID:
			err = s.setSessionID(ctx, runID, msg.SessionID)
		}
		if err != nil {
			return domain.WrapCause("SQLiteSink.Consume", domain.ErrStoreWrite, err, runID)
		}
	}
	return ctx.Err()
}

func (s *SQLiteSink) ensureRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO runs (run_id, created_at) VALUES (?, ?)",
		runID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapCause("SQLiteSink.ensureRun", domain.ErrStoreWrite, err, runID)
	}
	return nil
}

func (s *SQLiteSink) upsertEntry(ctx context.Context, runID string, idx int, entry domain.NormalizedEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (run_id, idx, type, content, entry_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, idx) DO UPDATE SET
			type = excluded.type,
			content = excluded.content,
			entry_json = excluded.entry_json,
			updated_at = excluded.updated_at`,
		runID, idx, string(entry.Type), entry.Content, string(data),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// setSessionID records the first session id seen for a run; later ids are
// ignored.
func (s *SQLiteSink) setSessionID(ctx context.Context, runID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET session_id = ? WHERE run_id = ? AND session_id IS NULL",
		sessionID, runID,
	)
	return err
}

// Entries returns the persisted entries of a run ordered by index.
func (s *SQLiteSink) Entries(ctx context.Context, runID string) ([]domain.NormalizedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entry_json FROM entries WHERE run_id = ? ORDER BY idx", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.NormalizedEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e domain.NormalizedEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SessionID returns the session id recorded for a run.
func (s *SQLiteSink) SessionID(ctx context.Context, runID string) (string, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT session_id FROM runs WHERE run_id = ?", runID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", domain.NewDomainError("SQLiteSink.SessionID", domain.ErrNotFound, runID)
	}
	if err != nil {
		return "", err
	}
	return id.String, nil
}
