package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"crmflow/internal/payload"
)

// Run is the mutable header of one campaign-generation attempt.
type Run struct {
	ID            string
	CampaignGoal  string
	Channel       string
	Tone          string
	Brief         payload.Payload
	CurrentStepID string
	CandidateID   string
	RenderedText  string
	CreatedAt     string
	UpdatedAt     string
}

// NewRun describes a run to create.
type NewRun struct {
	ID           string
	CampaignGoal string
	Channel      string
	Tone         string
	Brief        payload.Payload
}

// RunUpdate lists header fields to change. Empty StepID and Channel are left
// unchanged; CandidateID and RenderedText are written whenever non-nil, so an
// empty value clears them.
type RunUpdate struct {
	StepID       string
	Channel      string
	CandidateID  *string
	RenderedText *string
}

// Text returns a pointer to s for RunUpdate fields.
func Text(s string) *string {
	return &s
}

// CreateRun inserts a new run header.
func (s *Store) CreateRun(ctx context.Context, run NewRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(run.CampaignGoal) == "" {
		return fmt.Errorf("campaign goal is required")
	}
	var briefJSON sql.NullString
	if run.Brief != nil {
		data, err := payload.Marshal(run.Brief)
		if err != nil {
			return err
		}
		briefJSON = sql.NullString{String: string(data), Valid: true}
	}
	ts := formatTime(now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, campaign_goal, channel, tone, brief_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.CampaignGoal, nullString(run.Channel), nullString(run.Tone), briefJSON, ts, ts)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun returns the run header, or nil when the run does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	return getRun(ctx, s.db, runID)
}

// ListRuns returns up to limit runs, most recently updated first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, campaign_goal, channel, tone, brief_json, current_step_id,
		       candidate_id, rendered_text, created_at, updated_at
		FROM runs
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getRun(ctx context.Context, q querier, runID string) (*Run, error) {
	row := q.QueryRowContext(ctx, `
		SELECT run_id, campaign_goal, channel, tone, brief_json, current_step_id,
		       candidate_id, rendered_text, created_at, updated_at
		FROM runs
		WHERE run_id = ?
	`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var channel, tone, briefJSON, stepID, candidateID, renderedText sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&run.ID, &run.CampaignGoal, &channel, &tone, &briefJSON, &stepID,
		&candidateID, &renderedText, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Channel = channel.String
	run.Tone = tone.String
	run.CurrentStepID = stepID.String
	run.CandidateID = candidateID.String
	run.RenderedText = renderedText.String
	run.CreatedAt = createdAt
	run.UpdatedAt = updatedAt
	if briefJSON.Valid {
		brief, err := payload.Unmarshal([]byte(briefJSON.String))
		if err != nil {
			return nil, fmt.Errorf("run %s brief: %w", run.ID, err)
		}
		run.Brief = brief
	}
	return &run, nil
}

func updateRun(ctx context.Context, q querier, runID string, upd RunUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(now())}
	if upd.StepID != "" {
		sets = append(sets, "current_step_id = ?")
		args = append(args, upd.StepID)
	}
	if upd.Channel != "" {
		sets = append(sets, "channel = ?")
		args = append(args, upd.Channel)
	}
	if upd.CandidateID != nil {
		sets = append(sets, "candidate_id = ?")
		args = append(args, *upd.CandidateID)
	}
	if upd.RenderedText != nil {
		sets = append(sets, "rendered_text = ?")
		args = append(args, *upd.RenderedText)
	}
	args = append(args, runID)

	_, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE runs SET %s WHERE run_id = ?", strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}
