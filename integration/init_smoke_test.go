package integration_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crmflow/integration/harness"
)

func TestInitSmoke(t *testing.T) {
	binPath := harness.BuildBinary(t)
	runDir := t.TempDir()
	workspaceRoot := filepath.Join(t.TempDir(), "workspace-init")

	res := harness.MustRun(t, binPath, runDir, "init", "--workspace", workspaceRoot)
	if !strings.Contains(res.Stdout, "Initialized workspace") {
		t.Fatalf("expected init banner, got:\n%s", res.Stdout)
	}

	paths := []string{
		filepath.Join(workspaceRoot, "crmflow.yml"),
		filepath.Join(workspaceRoot, "data"),
		filepath.Join(workspaceRoot, "data", "customers.yml"),
		filepath.Join(workspaceRoot, "knowledge", "brand_guide.md"),
		filepath.Join(workspaceRoot, "briefs", "sample.yml"),
		filepath.Join(workspaceRoot, "audit"),
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing init path %s: %v", path, err)
		}
	}

	auditPath := filepath.Join(workspaceRoot, "audit", "events.sqlite")
	if _, err := os.Stat(auditPath); err != nil {
		t.Fatalf("audit db not written at %s: %v", auditPath, err)
	}
	requireAuditEvents(t, auditPath, []string{
		"workspace_init_started",
		"workspace_init_finished",
	})

	// A second init keeps edited files.
	configPath := filepath.Join(workspaceRoot, "crmflow.yml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("edit config: %v", err)
	}
	harness.MustRun(t, binPath, runDir, "init", "--workspace", workspaceRoot)
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) != "log:\n  level: debug\n" {
		t.Fatalf("init overwrote config:\n%s", data)
	}
}

func TestInitSampleWorkspaceRuns(t *testing.T) {
	binPath := harness.BuildBinary(t)
	runDir := t.TempDir()
	ws := filepath.Join(t.TempDir(), "sample")

	harness.MustRun(t, binPath, runDir, "init", "-w", ws)
	harness.MustRun(t, binPath, runDir, "customers", "import", "-w", ws, "data/customers.yml")
	harness.MustRun(t, binPath, runDir, "kb", "ingest", "-w", ws)
	harness.MustRun(t, binPath, runDir, "run", "create", "-w", ws, "--brief", "briefs/sample.yml")
	res := harness.MustRun(t, binPath, runDir, "run", "candidates", "-w", ws, "R001")
	if !strings.Contains(res.Stdout, "T001") || !strings.Contains(res.Stdout, "2 of 2 candidates passed") {
		t.Fatalf("unexpected candidates output:\n%s", res.Stdout)
	}
}
