package history

import (
	"strings"
	"testing"

	"crmflow/internal/payload"
	"crmflow/internal/store"
)

func TestRenderSortsKeys(t *testing.T) {
	out, err := Render(payload.Payload{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "a: x\nb: 1\n" {
		t.Fatalf("unexpected render %q", out)
	}
	empty, err := Render(nil)
	if err != nil || strings.TrimSpace(empty) != "{}" {
		t.Fatalf("unexpected empty render %q (%v)", empty, err)
	}
}

func TestBuildDiffsPerStage(t *testing.T) {
	handoffs := []store.Handoff{
		{StageName: store.StageTarget, CreatedAt: "t1", Payload: payload.Payload{"target_input_summary": "NO_FILTERS(all customers)"}},
		{StageName: store.StageRAG, CreatedAt: "t2", Payload: payload.Payload{"top_k": 10}},
		{StageName: store.StageTarget, CreatedAt: "t3", Payload: payload.Payload{"target_input_summary": "gender=[F]"}},
		{StageName: store.StageRAG, CreatedAt: "t4", Payload: payload.Payload{"top_k": 10}},
	}
	entries, err := Build(handoffs)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if !entries[0].First || !entries[1].First || entries[2].First {
		t.Fatalf("unexpected first flags %#v", entries)
	}
	diff := entries[2].Diff
	if !strings.Contains(diff, "--- TARGET@t1") || !strings.Contains(diff, "+++ TARGET@t3") {
		t.Fatalf("expected stage labels in diff, got %q", diff)
	}
	if !strings.Contains(diff, "-target_input_summary: NO_FILTERS") || !strings.Contains(diff, "+target_input_summary: ") || !strings.Contains(diff, "gender=[F]") {
		t.Fatalf("expected changed line in diff, got %q", diff)
	}
	if entries[3].Diff != "" {
		t.Fatalf("expected no diff for identical payloads, got %q", entries[3].Diff)
	}
}
