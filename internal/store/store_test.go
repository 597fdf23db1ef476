package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"crmflow/internal/payload"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stepClock(t *testing.T) {
	t.Helper()
	base := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	tick := 0
	prev := now
	now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	t.Cleanup(func() { now = prev })
}

func TestCreateAndGetRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, NewRun{
		ID:           "R001",
		CampaignGoal: "winter hydration",
		Channel:      "SMS",
		Brief:        payload.Payload{"goal": "winter hydration", "season": "winter"},
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	run, err := s.GetRun(ctx, "R001")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run == nil {
		t.Fatalf("expected run")
	}
	if run.Channel != "SMS" || run.Tone != "" {
		t.Fatalf("unexpected channel/tone %q/%q", run.Channel, run.Tone)
	}
	if run.Brief.String("season") != "winter" {
		t.Fatalf("expected brief round-trip, got %#v", run.Brief)
	}

	missing, err := s.GetRun(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing run, got %#v", missing)
	}
}

func TestCreateRunRequiresGoal(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateRun(context.Background(), NewRun{ID: "R1"}); err == nil {
		t.Fatalf("expected error for missing goal")
	}
}

func TestHandoffsAreAppendOnlyAndLatestWins(t *testing.T) {
	stepClock(t)
	s := openTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"first", "second", "third"} {
		if err := s.CreateHandoff(ctx, "R001", StageTarget, payload.Payload{"v": v}); err != nil {
			t.Fatalf("create handoff: %v", err)
		}
	}
	if err := s.CreateHandoff(ctx, "R002", StageTarget, payload.Payload{"v": "other run"}); err != nil {
		t.Fatalf("create handoff: %v", err)
	}

	latest, err := s.GetLatestHandoff(ctx, "R001", StageTarget)
	if err != nil {
		t.Fatalf("latest handoff: %v", err)
	}
	if latest == nil || latest.Payload.String("v") != "third" {
		t.Fatalf("expected latest=third, got %#v", latest)
	}

	history, err := s.ListHandoffs(ctx, "R001", StageTarget)
	if err != nil {
		t.Fatalf("list handoffs: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 handoffs kept, got %d", len(history))
	}
	if history[0].Payload.String("v") != "first" {
		t.Fatalf("expected oldest first, got %#v", history[0].Payload)
	}

	none, err := s.GetLatestHandoff(ctx, "R001", StageRAG)
	if err != nil {
		t.Fatalf("latest missing stage: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil handoff for missing stage")
	}
}

func TestSessionUpdatesRunAndClosesIdempotently(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, NewRun{ID: "R001", CampaignGoal: "goal"}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	sess, err := s.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := sess.UpdateRun(ctx, "R001", RunUpdate{StepID: "S2_TARGET", Channel: "PUSH"}); err != nil {
		t.Fatalf("update run: %v", err)
	}
	if err := sess.UpdateRun(ctx, "R001", RunUpdate{CandidateID: Text("T001")}); err != nil {
		t.Fatalf("update run: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := sess.GetRun(ctx, "R001"); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	run, err := s.GetRun(ctx, "R001")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.CurrentStepID != "S2_TARGET" || run.Channel != "PUSH" || run.CandidateID != "T001" {
		t.Fatalf("unexpected run header %#v", run)
	}
}

func TestListCustomersFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	customers := []Customer{
		{ID: "U1", Gender: "F", AgeBand: "20s", SkinType: "dry", Concerns: []string{"C01"}},
		{ID: "U2", Gender: "F", AgeBand: "30s", SkinType: "oily", Concerns: []string{"C02"}},
		{ID: "U3", Gender: "M", AgeBand: "20s", SkinType: "dry", Concerns: []string{"C01", "C03"}},
	}
	if err := s.UpsertCustomers(ctx, customers); err != nil {
		t.Fatalf("upsert customers: %v", err)
	}

	n, err := s.CountCustomers(ctx)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 customers, got %d (%v)", n, err)
	}

	got, err := s.ListCustomers(ctx, CustomerFilter{Genders: []string{"F"}})
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 female customers, got %d", len(got))
	}

	got, err = s.ListCustomers(ctx, CustomerFilter{AgeBands: []string{"20s"}, Concerns: []string{"C03"}})
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	if len(got) != 1 || got[0].ID != "U3" {
		t.Fatalf("expected only U3, got %#v", got)
	}
}

func TestSessionCloseDiscardsUncommittedWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, NewRun{ID: "R001", CampaignGoal: "goal"}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	sess, err := s.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := sess.CreateHandoff(ctx, "R001", StageTarget, payload.Payload{"summary": "draft"}); err != nil {
		t.Fatalf("create handoff: %v", err)
	}
	own, err := sess.GetLatestHandoff(ctx, "R001", StageTarget)
	if err != nil || own == nil {
		t.Fatalf("expected session to read its own write, got %v (%v)", own, err)
	}
	if err := sess.UpdateRun(ctx, "R001", RunUpdate{StepID: "S2_TARGET"}); err != nil {
		t.Fatalf("update run: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	h, err := s.GetLatestHandoff(ctx, "R001", StageTarget)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if h != nil {
		t.Fatalf("expected uncommitted handoff to be discarded, got %+v", h)
	}
	run, err := s.GetRun(ctx, "R001")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.CurrentStepID != "" {
		t.Fatalf("expected step unchanged, got %q", run.CurrentStepID)
	}
}

func TestUpdateRunClearsHeaderText(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, NewRun{ID: "R001", CampaignGoal: "goal"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	update := func(upd RunUpdate) {
		t.Helper()
		sess, err := s.NewSession(ctx)
		if err != nil {
			t.Fatalf("new session: %v", err)
		}
		defer sess.Close()
		if err := sess.UpdateRun(ctx, "R001", upd); err != nil {
			t.Fatalf("update run: %v", err)
		}
		if err := sess.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	update(RunUpdate{CandidateID: Text("T001"), RenderedText: Text("hello")})
	update(RunUpdate{StepID: "S6_EXEC"})
	run, err := s.GetRun(ctx, "R001")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.CandidateID != "T001" || run.RenderedText != "hello" {
		t.Fatalf("nil fields should leave header text alone, got %+v", run)
	}

	update(RunUpdate{CandidateID: Text(""), RenderedText: Text("")})
	run, err = s.GetRun(ctx, "R001")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.CandidateID != "" || run.RenderedText != "" {
		t.Fatalf("expected header text cleared, got %+v", run)
	}
}
