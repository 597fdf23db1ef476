package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages campaign runs, handoffs and customers in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates the run database.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure store db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	store := &Store{
		DBPath: absPath,
		db:     db,
	}

	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	campaign_goal TEXT NOT NULL,
	channel TEXT,
	tone TEXT,
	brief_json TEXT,
	current_step_id TEXT,
	candidate_id TEXT,
	rendered_text TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS handoffs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	handoff_id TEXT NOT NULL UNIQUE,
	run_id TEXT NOT NULL,
	stage_name TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_handoffs_run_stage ON handoffs(run_id, stage_name, created_at);

CREATE TABLE IF NOT EXISTS customers (
	customer_id TEXT PRIMARY KEY,
	name TEXT,
	gender TEXT,
	age_band TEXT,
	skin_type TEXT,
	concerns_json TEXT
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("create store schema: %w", err)
	}
	return nil
}

// now is swapped in tests that need deterministic handoff ordering.
var now = func() time.Time {
	return time.Now().UTC()
}

// timeLayout is fixed-width so created_at strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
