package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultAuditPath = "audit/events.sqlite"

// Event is one audit record.
type Event struct {
	Timestamp time.Time
	Actor     string
	Type      string
	RunID     string
	Payload   map[string]any
}

// Logger writes audit events to a specific SQLite DB path.
type Logger struct {
	DBPath string
}

// NewLogger returns a Logger bound to the provided DB path.
func NewLogger(dbPath string) *Logger {
	return &Logger{DBPath: dbPath}
}

// LogEvent writes an audit event not tied to a run.
func (l *Logger) LogEvent(ctx context.Context, actor, eventType string, payload map[string]any) error {
	return l.Record(ctx, Event{Actor: actor, Type: eventType, Payload: payload})
}

// Record writes ev to the configured log. A nil Logger falls back to
// CRMFLOW_AUDIT_DB or the default path.
func (l *Logger) Record(ctx context.Context, ev Event) error {
	dbPath := ""
	if l != nil {
		dbPath = l.DBPath
	}
	resolved, err := resolveDBPath(dbPath)
	if err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return writeEvent(ctx, resolved, ev)
}

// Events returns the events recorded for runID, oldest first. An empty runID
// returns every event.
func (l *Logger) Events(ctx context.Context, runID string) ([]Event, error) {
	dbPath := ""
	if l != nil {
		dbPath = l.DBPath
	}
	resolved, err := resolveDBPath(dbPath)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if err := ensureSchema(db); err != nil {
		return nil, err
	}

	query := "SELECT ts, actor, type, run_id, payload_json FROM events"
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY id ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ts string
		var run sql.NullString
		var payloadJSON string
		if err := rows.Scan(&ts, &ev.Actor, &ev.Type, &run, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		ev.RunID = run.String
		if payloadJSON != "" {
			_ = json.Unmarshal([]byte(payloadJSON), &ev.Payload)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			actor TEXT NOT NULL,
			type TEXT NOT NULL,
			run_id TEXT,
			payload_json TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func resolveDBPath(dbPath string) (string, error) {
	if dbPath == "" {
		dbPath = os.Getenv("CRMFLOW_AUDIT_DB")
	}
	if dbPath == "" {
		dbPath = defaultAuditPath
	}
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("resolve audit db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("ensure audit db dir: %w", err)
	}
	return absPath, nil
}

func writeEvent(ctx context.Context, dbPath string, ev Event) error {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := ensureSchema(db); err != nil {
		return err
	}

	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var runID sql.NullString
	if ev.RunID != "" {
		runID = sql.NullString{String: ev.RunID, Valid: true}
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO events (ts, actor, type, run_id, payload_json) VALUES (?, ?, ?, ?, ?)",
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.Actor,
		ev.Type,
		runID,
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	return nil
}
