// Package calllog provides a persistent journal of tool call outcomes.
// Records are append-only and indexed by timestamp, session, and tool
// for aggregation queries.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Record is the outcome of a single tool invocation.
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id,omitempty"`
	CallID     int64     `json:"call_id"` // correlation id on the wire
	Tool       string    `json:"tool"`
	OK         bool      `json:"ok"`
	DurationMS int64     `json:"duration_ms"`
	ErrorKind  string    `json:"error_kind,omitempty"` // session error kind, empty on success
	Error      string    `json:"error,omitempty"`
}

// Summary holds aggregated call totals.
type Summary struct {
	TotalCalls    int     `json:"total_calls"`
	FailedCalls   int     `json:"failed_calls"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	MaxDurationMS int64   `json:"max_duration_ms"`
}

// Store is an append-only SQLite store for call records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates a call log at the given database path. The schema is
// created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open call log database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database, creating the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate call log schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		session_id  TEXT,
		call_id     INTEGER NOT NULL,
		tool        TEXT NOT NULL,
		ok          INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error_kind  TEXT,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_session ON tool_calls(session_id);
	CREATE INDEX IF NOT EXISTS idx_calls_tool ON tool_calls(tool);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, session_id, call_id, tool, ok, duration_ms, error_kind, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.SessionID,
		rec.CallID,
		rec.Tool,
		rec.OK,
		rec.DurationMS,
		rec.ErrorKind,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, COALESCE(session_id, ''), call_id, tool, ok, duration_ms,
		        COALESCE(error_kind, ''), COALESCE(error, '')
		 FROM tool_calls
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.SessionID, &rec.CallID, &rec.Tool, &rec.OK,
			&rec.DurationMS, &rec.ErrorKind, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse call timestamp %q: %w", ts, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok THEN 0 ELSE 1 END), 0),
		        COALESCE(AVG(duration_ms), 0), COALESCE(MAX(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalCalls, &sum.FailedCalls, &sum.AvgDurationMS, &sum.MaxDurationMS); err != nil {
		return nil, fmt.Errorf("query call summary: %w", err)
	}
	return &sum, nil
}

// SummaryByTool returns per-tool aggregated totals for records within [start, end).
func (s *Store) SummaryByTool(start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.Query(
		`SELECT tool, COUNT(*), COALESCE(SUM(CASE WHEN ok THEN 0 ELSE 1 END), 0),
		        COALESCE(AVG(duration_ms), 0), COALESCE(MAX(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY tool
		 ORDER BY COUNT(*) DESC`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by tool: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var tool string
		var sum Summary
		if err := rows.Scan(&tool, &sum.TotalCalls, &sum.FailedCalls, &sum.AvgDurationMS, &sum.MaxDurationMS); err != nil {
			return nil, fmt.Errorf("scan calls by tool: %w", err)
		}
		result[tool] = &sum
	}
	return result, rows.Err()
}
