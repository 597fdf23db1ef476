package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"crmflow/internal/payload"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Store keeps the watch job queue and watch state in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
}

// Job is a queued, running or finished watch job.
type Job struct {
	ID             string
	Type           string
	Status         string
	ScheduledAt    time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Attempts       int
	Payload        payload.Payload
	Result         payload.Payload
	LeaseOwner     string
	LeaseExpiresAt *time.Time
}

// Open opens or creates the job database.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve job db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure job db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open job db: %w", err)
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

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	scheduled_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	payload_json TEXT,
	result_json TEXT,
	lease_owner TEXT,
	lease_expires_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON jobs(status, scheduled_at);

CREATE TABLE IF NOT EXISTS watch_kv (
	key TEXT PRIMARY KEY,
	value TEXT
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create job schema: %w", err)
	}
	return nil
}

// Enqueue adds a job unless one of the same type is already queued. A queued
// job absorbs the new payload instead: string lists are unioned, other keys
// are replaced. created reports whether a new job was inserted.
func (s *Store) Enqueue(ctx context.Context, jobType string, scheduledAt time.Time, p payload.Payload) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	var existingJSON sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT id, payload_json FROM jobs WHERE type = ? AND status = ? ORDER BY scheduled_at ASC LIMIT 1",
		jobType, StatusQueued,
	).Scan(&existingID, &existingJSON)
	switch {
	case err == nil:
		existing, err := payload.Unmarshal([]byte(existingJSON.String))
		if err != nil {
			return "", false, err
		}
		merged, err := payload.Marshal(mergePayload(existing, p))
		if err != nil {
			return "", false, err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE jobs SET payload_json = ? WHERE id = ?", string(merged), existingID); err != nil {
			return "", false, fmt.Errorf("update queued job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit transaction: %w", err)
		}
		return existingID, false, nil
	case err != sql.ErrNoRows:
		return "", false, fmt.Errorf("check queued job: %w", err)
	}

	payloadJSON, err := payload.Marshal(p)
	if err != nil {
		return "", false, err
	}
	jobID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, scheduled_at, payload_json)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, jobType, StatusQueued, formatTime(scheduledAt), string(payloadJSON))
	if err != nil {
		return "", false, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit transaction: %w", err)
	}
	return jobID, true, nil
}

func mergePayload(old, next payload.Payload) payload.Payload {
	out := old.Clone()
	for k, v := range next {
		if _, isList := v.([]string); !isList {
			if _, isAny := v.([]any); !isAny {
				out[k] = v
				continue
			}
		}
		seen := make(map[string]struct{})
		var union []string
		for _, s := range append(old.Strings(k), next.Strings(k)...) {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			union = append(union, s)
		}
		out[k] = union
	}
	return out
}

// ClaimNext claims the oldest queued job that is due, or a running job whose
// lease expired. It returns nil when nothing is ready.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, leaseOwner string, leaseFor time.Duration) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowStr := formatTime(now)
	var jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE (status = ? AND scheduled_at <= ?)
		   OR (status = ? AND lease_expires_at < ?)
		ORDER BY scheduled_at ASC
		LIMIT 1
	`, StatusQueued, nowStr, StatusRunning, nowStr).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find next job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    started_at = ?,
		    attempts = attempts + 1,
		    lease_owner = ?,
		    lease_expires_at = ?
		WHERE id = ?
	`, StatusRunning, nowStr, leaseOwner, formatTime(now.Add(leaseFor)), jobID)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.GetJob(ctx, jobID)
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, scheduled_at, started_at, finished_at, attempts,
		       payload_json, result_json, lease_owner, lease_expires_at
		FROM jobs
		WHERE id = ?
	`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Succeed marks a job as succeeded with result.
func (s *Store) Succeed(ctx context.Context, jobID string, result payload.Payload) error {
	return s.finish(ctx, jobID, StatusSucceeded, result)
}

// Fail marks a job as failed with the error text as its result.
func (s *Store) Fail(ctx context.Context, jobID string, jobErr error) error {
	return s.finish(ctx, jobID, StatusFailed, payload.Payload{"error": jobErr.Error()})
}

func (s *Store) finish(ctx context.Context, jobID, status string, result payload.Payload) error {
	resultJSON, err := payload.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    finished_at = ?,
		    result_json = ?,
		    lease_owner = NULL,
		    lease_expires_at = NULL
		WHERE id = ?
	`, status, formatTime(now()), string(resultJSON), jobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ListJobs returns up to limit jobs, newest first. An empty status lists every
// job.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, type, status, scheduled_at, started_at, finished_at, attempts,
		       payload_json, result_json, lease_owner, lease_expires_at
		FROM jobs`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY scheduled_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var scheduledAt string
	var startedAt, finishedAt, leaseExpiresAt sql.NullString
	var payloadJSON, resultJSON, leaseOwner sql.NullString

	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &scheduledAt,
		&startedAt, &finishedAt, &job.Attempts, &payloadJSON, &resultJSON,
		&leaseOwner, &leaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	job.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	job.StartedAt = parseNullTime(startedAt)
	job.FinishedAt = parseNullTime(finishedAt)
	job.LeaseExpiresAt = parseNullTime(leaseExpiresAt)
	job.LeaseOwner = leaseOwner.String
	if job.Payload, err = payload.Unmarshal([]byte(payloadJSON.String)); err != nil {
		return nil, err
	}
	if job.Result, err = payload.Unmarshal([]byte(resultJSON.String)); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetKV returns the stored value for key, or "" when unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM watch_kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv: %w", err)
	}
	return value, nil
}

// SetKV stores value under key.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO watch_kv (key, value)
		VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

var now = func() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
