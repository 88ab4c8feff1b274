// Package history keeps a local log of relayed detections, so operators can
// see what the bridge forwarded without querying the detection API.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one relayed detection.
type Entry struct {
	ID          int64     `json:"id"`
	ChatJID     string    `json:"chat_jid"`
	Location    string    `json:"location"`
	ObjectCount int       `json:"object_count"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store implements the relay log on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS relays (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_jid     TEXT NOT NULL,
		location     TEXT NOT NULL,
		object_count INTEGER NOT NULL DEFAULT 0,
		summary      TEXT,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_relays_time ON relays(created_at);
	CREATE INDEX IF NOT EXISTS idx_relays_chat ON relays(chat_jid, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record appends one relay entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relays (chat_jid, location, object_count, summary, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ChatJID, e.Location, e.ObjectCount, e.Summary, e.CreatedAt,
	)
	return err
}

// Recent returns the most recent entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_jid, location, object_count, summary, created_at
		 FROM relays ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ChatJID, &e.Location, &e.ObjectCount, &e.Summary, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
