package integration_test

import (
	"path/filepath"
	"strings"
	"testing"

	"crmflow/integration/harness"
)

func TestBatchSmoke(t *testing.T) {
	binPath := harness.BuildBinary(t)
	workspace := harness.Fixture(t, "workspace-min")
	runDir := t.TempDir()

	harness.MustRun(t, binPath, runDir, "customers", "import", "-w", workspace, "data/customers.yml")
	harness.MustRun(t, binPath, runDir, "kb", "ingest", "-w", workspace)

	res := harness.MustRun(t, binPath, runDir, "run", "batch", "-w", workspace, "--parallel", "2")
	if !strings.Contains(res.Stdout, "R001         OK      audience=2 passed=2/2") {
		t.Fatalf("unexpected R001 batch line:\n%s", res.Stdout)
	}
	// R002 never had an audience resolved.
	if !strings.Contains(res.Stdout, "R002         OK      audience=0 passed=2/2") {
		t.Fatalf("unexpected R002 batch line:\n%s", res.Stdout)
	}

	res = harness.MustRun(t, binPath, runDir, "run", "list", "-w", workspace)
	for _, want := range []string{"R001", "R002", "S5_COMP"} {
		if !strings.Contains(res.Stdout, want) {
			t.Fatalf("expected %s in run list:\n%s", want, res.Stdout)
		}
	}

	// A second batch reuses the existing runs.
	harness.MustRun(t, binPath, runDir, "run", "batch", "-w", workspace, filepath.Join(workspace, "briefs"))
	res = harness.MustRun(t, binPath, runDir, "run", "events", "-w", workspace, "R002")
	if strings.Count(res.Stdout, "run_created") != 1 {
		t.Fatalf("expected one run_created event for R002:\n%s", res.Stdout)
	}
}
