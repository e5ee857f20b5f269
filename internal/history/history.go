package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// maxRowsPerUser caps how many log rows are retained per user before the
// oldest entries are pruned.
const maxRowsPerUser = 2_000

// DefaultReplayLimit caps how many stored entries are replayed when a
// connection reconnects.
const DefaultReplayLimit = 500

// Entry is one recorded delivery.
type Entry struct {
	ID        int64
	UserID    string
	SessionID string
	Event     string
	Payload   json.RawMessage
	At        time.Time
}

// Log is a durable per-user record of delivered persistent messages, used to
// catch clients up after a reconnect.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS message_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL,
			payload TEXT NOT NULL,
			at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_message_log_user_at
			ON message_log (user_id, at_ms);
	`)
	return err
}

// Append records a delivery and prunes the oldest rows for the same user
// beyond the retention cap.
func (l *Log) Append(ctx context.Context, entry Entry) error {
	if entry.UserID == "" || entry.Event == "" {
		return fmt.Errorf("history: user id and event are required")
	}
	payload := entry.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_log (user_id, session_id, event, payload, at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, entry.UserID, entry.SessionID, entry.Event, string(payload), at.UnixMilli()); err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_log
		WHERE user_id = ? AND id NOT IN (
			SELECT id FROM message_log
			WHERE user_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, entry.UserID, entry.UserID, maxRowsPerUser); err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}

	return tx.Commit()
}

// RecentForUser returns up to limit entries for the user, oldest first, so
// they can be replayed in original delivery order.
func (l *Log) RecentForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, event, payload, at_ms FROM (
			SELECT id, user_id, session_id, event, payload, at_ms
			FROM message_log
			WHERE user_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		var atMs int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Event, &payload, &atMs); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.At = time.UnixMilli(atMs)
		out = append(out, e)
	}
	return out, rows.Err()
}
