package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRecordAndListEvents(t *testing.T) {
	logger := NewLogger(filepath.Join(t.TempDir(), "audit", "events.sqlite"))
	ctx := context.Background()

	if err := logger.Record(ctx, Event{Actor: "pipeline", Type: "stage_started", RunID: "R001", Payload: map[string]any{"stage": "target"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := logger.Record(ctx, Event{Actor: "pipeline", Type: "stage_finished", RunID: "R001"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := logger.LogEvent(ctx, "cli", "workspace_init_finished", nil); err != nil {
		t.Fatalf("log event: %v", err)
	}

	events, err := logger.Events(ctx, "R001")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 run events, got %d", len(events))
	}
	if events[0].Type != "stage_started" || events[0].Payload["stage"] != "target" {
		t.Fatalf("unexpected first event %#v", events[0])
	}

	all, err := logger.Events(ctx, "")
	if err != nil {
		t.Fatalf("all events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
}
