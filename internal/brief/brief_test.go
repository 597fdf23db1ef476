package brief

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validBrief = `
run_id: R001
campaign_goal: winter hydration repurchase
channel: PUSH
tone: amoremall
brief:
  goal: winter hydration repurchase
  season: winter
  keywords: [moisture, barrier]
target:
  gender: [F]
  age_bands: [20s, 30s]
  concern_keywords: [dryness]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseValidDocument(t *testing.T) {
	doc, err := ParseAndValidateDocument([]byte(validBrief), "r001.yml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.RunID != "R001" || doc.Channel != "PUSH" || doc.Tone != "amoremall" {
		t.Fatalf("unexpected header %#v", doc)
	}
	if doc.Brief.String("season") != "winter" {
		t.Fatalf("unexpected brief %#v", doc.Brief)
	}
	if got := doc.Brief.Strings("keywords"); len(got) != 2 || got[1] != "barrier" {
		t.Fatalf("unexpected keywords %#v", got)
	}
	if doc.Target == nil || len(doc.Target.AgeBands) != 2 || doc.Target.Gender[0] != "F" {
		t.Fatalf("unexpected target %#v", doc.Target)
	}
}

func TestGoalFallsBackToBriefGoal(t *testing.T) {
	doc, err := ParseAndValidateDocument([]byte("run_id: R9\nbrief:\n  goal: spring launch\n"), "r9.yml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.CampaignGoal != "spring launch" {
		t.Fatalf("expected goal from brief, got %q", doc.CampaignGoal)
	}
	if doc.Target != nil {
		t.Fatalf("expected no target, got %#v", doc.Target)
	}
}

func TestValidationErrorsAggregate(t *testing.T) {
	data := `
run_id: "bad id"
channel: push
target:
  gender: [F, X, F]
  age_bands: ["twenties", ""]
`
	_, err := ParseAndValidateDocument([]byte(data), "bad.yml")
	var ve ValidationErrors
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	fields := map[string]bool{}
	for _, e := range ve {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"run_id",
		"campaign_goal",
		"channel",
		"target.gender[1]",
		"target.gender[2]",
		"target.age_bands[0]",
		"target.age_bands[1]",
	} {
		if !fields[want] {
			t.Errorf("expected error for %s, got %v", want, err)
		}
	}
	if !strings.Contains(err.Error(), "bad.yml: ") {
		t.Errorf("expected file prefix in %q", err.Error())
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := ParseAndValidateDocument([]byte("run_id: [unterminated"), "broken.yml")
	var ve ValidationErrors
	if !errors.As(err, &ve) || ve[0].Field != "yaml" {
		t.Fatalf("expected yaml validation error, got %v", err)
	}
}

func TestParseTargetInput(t *testing.T) {
	in, err := ParseTargetInput([]byte("skin_types: [dry]\nconcern_keywords: [ ' dryness ' ]\n"), "target.yml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if in.SkinTypes[0] != "dry" || in.ConcernKeywords[0] != "dryness" {
		t.Fatalf("unexpected input %#v", in)
	}
	if _, err := ParseTargetInput([]byte("gender: [Q]\n"), "target.yml"); err == nil {
		t.Fatalf("expected gender error")
	}
}

func TestLoadDirRejectsDuplicateRunIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yml", validBrief)
	writeFile(t, dir, "b.yaml", validBrief)
	_, err := LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "duplicate run_id") {
		t.Fatalf("expected duplicate run_id error, got %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", strings.Replace(validBrief, "R001", "R002", 1))
	writeFile(t, dir, "a.yml", validBrief)
	writeFile(t, dir, "notes.txt", "ignored")
	docs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(docs) != 2 || docs[0].RunID != "R001" || docs[1].RunID != "R002" {
		t.Fatalf("unexpected docs %#v", docs)
	}
	if _, err := LoadDir(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
