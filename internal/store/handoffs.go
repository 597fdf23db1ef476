package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"crmflow/internal/payload"
)

// Stage names under which handoffs are recorded.
const (
	StageBrief              = "BRIEF"
	StageTargetInput        = "TARGET_INPUT"
	StageTargetAudience     = "TARGET_AUDIENCE"
	StageTarget             = "TARGET"
	StageRAG                = "RAG"
	StageTemplateCandidates = "TEMPLATE_CANDIDATES"
	StageCompliance         = "COMPLIANCE"
	StageSelectedTemplate   = "SELECTED_TEMPLATE"
	StageExecutionResult    = "EXECUTION_RESULT"
)

// Handoff is one immutable stage output for a run.
type Handoff struct {
	ID        string
	Seq       int64
	RunID     string
	StageName string
	Payload   payload.Payload
	CreatedAt string
}

// CreateHandoff appends a handoff outside of a pipeline session.
func (s *Store) CreateHandoff(ctx context.Context, runID, stage string, p payload.Payload) error {
	return createHandoff(ctx, s.db, runID, stage, p)
}

// GetLatestHandoff returns the most recent handoff for (run, stage), or nil.
func (s *Store) GetLatestHandoff(ctx context.Context, runID, stage string) (*Handoff, error) {
	return getLatestHandoff(ctx, s.db, runID, stage)
}

// ListHandoffs returns handoffs for a run oldest first. An empty stage lists
// every stage.
func (s *Store) ListHandoffs(ctx context.Context, runID, stage string) ([]Handoff, error) {
	query := `
		SELECT seq, handoff_id, run_id, stage_name, payload_json, created_at
		FROM handoffs
		WHERE run_id = ?`
	args := []any{runID}
	if stage != "" {
		query += " AND stage_name = ?"
		args = append(args, stage)
	}
	query += " ORDER BY created_at ASC, seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query handoffs: %w", err)
	}
	defer rows.Close()

	var out []Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handoffs: %w", err)
	}
	return out, nil
}

func createHandoff(ctx context.Context, q querier, runID, stage string, p payload.Payload) error {
	data, err := payload.Marshal(p)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO handoffs (handoff_id, run_id, stage_name, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), runID, stage, string(data), formatTime(now()))
	if err != nil {
		return fmt.Errorf("insert handoff %s: %w", stage, err)
	}
	return nil
}

func getLatestHandoff(ctx context.Context, q querier, runID, stage string) (*Handoff, error) {
	row := q.QueryRowContext(ctx, `
		SELECT seq, handoff_id, run_id, stage_name, payload_json, created_at
		FROM handoffs
		WHERE run_id = ? AND stage_name = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, runID, stage)
	h, err := scanHandoff(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func scanHandoff(row rowScanner) (*Handoff, error) {
	var h Handoff
	var payloadJSON string
	err := row.Scan(&h.Seq, &h.ID, &h.RunID, &h.StageName, &payloadJSON, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan handoff: %w", err)
	}
	p, err := payload.Unmarshal([]byte(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("handoff %s: %w", h.ID, err)
	}
	h.Payload = p
	return &h, nil
}
