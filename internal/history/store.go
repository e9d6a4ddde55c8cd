// Package history persists finished calls to SQLite so the relay can serve
// a call log across restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peerdial/peerdial/internal/signal"
)

// Entry is one row of the call log.
type Entry struct {
	CallID    string            `json:"callId"`
	CallerID  string            `json:"callerId"`
	CalleeID  string            `json:"calleeId"`
	Video     bool              `json:"isVideoCall"`
	Status    signal.CallStatus `json:"status"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
}

// Store is a SQLite-backed call log. Open with New, close with Close.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	// WAL so the relay's reads do not block the writer.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS calls (
		call_id    TEXT PRIMARY KEY,
		caller_id  TEXT NOT NULL,
		callee_id  TEXT NOT NULL,
		is_video   INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at   INTEGER
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db}, nil
}

// Record upserts a call's final state. Recording the same call again
// overwrites the row, so replays after a relay restart are harmless.
func (s *Store) Record(ctx context.Context, rec signal.CallRecord) error {
	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO calls (call_id, caller_id, callee_id, is_video, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			status=excluded.status,
			ended_at=excluded.ended_at`,
		rec.ID, rec.CallerID, rec.CalleeID, rec.Video, string(rec.Status), rec.CreatedAt.Unix(), endedAt)
	if err != nil {
		return fmt.Errorf("record call %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit calls, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT call_id, caller_id, callee_id, is_video, status, started_at, ended_at
		FROM calls ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var status string
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&e.CallID, &e.CallerID, &e.CalleeID, &e.Video, &status, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Status = signal.CallStatus(status)
		e.StartedAt = time.Unix(started, 0).UTC()
		if ended.Valid {
			t := time.Unix(ended.Int64, 0).UTC()
			e.EndedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForUser returns up to limit calls involving userID, newest first.
func (s *Store) ForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT call_id, caller_id, callee_id, is_video, status, started_at, ended_at
		FROM calls WHERE caller_id = ? OR callee_id = ? ORDER BY started_at DESC LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var status string
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&e.CallID, &e.CallerID, &e.CalleeID, &e.Video, &status, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Status = signal.CallStatus(status)
		e.StartedAt = time.Unix(started, 0).UTC()
		if ended.Valid {
			t := time.Unix(ended.Int64, 0).UTC()
			e.EndedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
