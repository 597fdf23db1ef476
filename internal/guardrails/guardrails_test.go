package guardrails

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"crmflow/internal/payload"
)

func TestParseSelection_Valid(t *testing.T) {
	sel, err := ParseSelection([]byte(`{"template_id":"T001","title":"basic","body_with_slots":"Hi {customer_name}"}`))
	if err != nil {
		t.Fatalf("ParseSelection() failed for valid selection: %v", err)
	}
	if sel.String("template_id") != "T001" || sel.String("title") != "basic" {
		t.Errorf("unexpected selection %#v", sel)
	}
}

func TestParseSelection_TitleOptional(t *testing.T) {
	sel, err := ParseSelection([]byte(`{"template_id":"T001","body_with_slots":"x"}`))
	if err != nil {
		t.Fatalf("ParseSelection(): %v", err)
	}
	if _, ok := sel["title"]; ok {
		t.Errorf("expected no title key")
	}
}

func TestParseSelection_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"extra field":   `{"template_id":"T001","body_with_slots":"x","offer":"50%"}`,
		"missing id":    `{"body_with_slots":"x"}`,
		"blank id":      `{"template_id":"  ","body_with_slots":"x"}`,
		"missing body":  `{"template_id":"T001"}`,
		"wrong id type": `{"template_id":1,"body_with_slots":"x"}`,
		"not an object": `["T001"]`,
	}
	for name, data := range cases {
		if _, err := ParseSelection([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestReadSelectionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selection.json")
	if err := os.WriteFile(path, []byte(`{"template_id":"T002","body_with_slots":"{cta}"}`), 0o644); err != nil {
		t.Fatalf("write selection: %v", err)
	}
	sel, err := ReadSelectionFile(path)
	if err != nil {
		t.Fatalf("ReadSelectionFile(): %v", err)
	}
	if sel.String("template_id") != "T002" {
		t.Errorf("unexpected selection %#v", sel)
	}
	if _, err := ReadSelectionFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestFindCandidate(t *testing.T) {
	cands := payload.Payload{"candidates": []any{
		map[string]any{"template_id": "T001", "body_with_slots": "a"},
		map[string]any{"template_id": "T002", "body_with_slots": "b"},
	}}
	c, err := FindCandidate(cands, "T002")
	if err != nil || c.String("body_with_slots") != "b" {
		t.Fatalf("FindCandidate() = %#v, %v", c, err)
	}
	if _, err := FindCandidate(cands, "T003"); err == nil {
		t.Errorf("expected error for unknown template")
	}
}

func TestCheckSelectable(t *testing.T) {
	compliance := payload.Payload{"results": []any{
		map[string]any{"template_id": "T001", "status": "PASS", "reasons": []any{}},
		map[string]any{"template_id": "T002", "status": "FAIL", "reasons": []any{"exaggerated/absolute claim"}},
	}}

	if err := CheckSelectable(payload.Payload{"template_id": "T001"}, compliance); err != nil {
		t.Errorf("expected T001 selectable: %v", err)
	}

	err := CheckSelectable(payload.Payload{"template_id": "T002"}, compliance)
	if !errors.Is(err, ErrFailedCompliance) {
		t.Fatalf("expected ErrFailedCompliance, got %v", err)
	}
	if !strings.Contains(err.Error(), "exaggerated/absolute claim") {
		t.Errorf("expected reasons in error, got %v", err)
	}

	if err := CheckSelectable(payload.Payload{"template_id": "T404"}, compliance); !errors.Is(err, ErrNotValidated) {
		t.Errorf("expected ErrNotValidated, got %v", err)
	}
}

func TestPassedCount(t *testing.T) {
	passed, total := PassedCount(payload.Payload{"results": []any{
		map[string]any{"status": "PASS"},
		map[string]any{"status": "FAIL"},
		map[string]any{"status": "pass"},
	}})
	if passed != 2 || total != 3 {
		t.Errorf("PassedCount() = %d/%d", passed, total)
	}
}

func TestSanitizeErrorForJSON(t *testing.T) {
	if got := SanitizeErrorForJSON(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	got := SanitizeErrorForJSON(errors.New("line1\nline2\r" + strings.Repeat("x", 600)))
	if strings.ContainsAny(got, "\n\r") || len(got) != 500 {
		t.Errorf("unexpected sanitized message (len %d)", len(got))
	}
}

func TestSanitizeErrorForJSONKeepsRunesWhole(t *testing.T) {
	got := SanitizeErrorForJSON(errors.New(strings.Repeat("가", 600)))
	if !utf8.ValidString(got) {
		t.Fatalf("sanitized message is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 500 {
		t.Errorf("expected 500 runes, got %d", n)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got[len(got)-6:])
	}
	if short := "짧은 오류"; SanitizeErrorForJSON(errors.New(short)) != short {
		t.Errorf("short message should pass through unchanged")
	}
}
