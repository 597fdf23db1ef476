package integration_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crmflow/integration/harness"
)

func TestWatchOnceSmoke(t *testing.T) {
	binPath := harness.BuildBinary(t)
	workspace := harness.Fixture(t, "workspace-min")
	runDir := t.TempDir()

	harness.MustRun(t, binPath, runDir, "customers", "import", "-w", workspace, "data/customers.yml")

	res := harness.MustRun(t, binPath, runDir, "watch", "--once", "-w", workspace)
	if !strings.Contains(res.Stdout, "Enqueued 2, succeeded 2, failed 0") {
		t.Fatalf("unexpected first tick:\n%s", res.Stdout)
	}

	res = harness.MustRun(t, binPath, runDir, "run", "list", "-w", workspace)
	for _, want := range []string{"R001", "R002", "S5_COMP"} {
		if !strings.Contains(res.Stdout, want) {
			t.Fatalf("expected %s in run list:\n%s", want, res.Stdout)
		}
	}

	res = harness.MustRun(t, binPath, runDir, "watch", "--once", "-w", workspace)
	if !strings.Contains(res.Stdout, "Enqueued 0, succeeded 0, failed 0") {
		t.Fatalf("unchanged workspace should enqueue nothing:\n%s", res.Stdout)
	}

	brief := filepath.Join(workspace, "briefs", "r002.yml")
	data, err := os.ReadFile(brief)
	if err != nil {
		t.Fatalf("read brief: %v", err)
	}
	if err := os.WriteFile(brief, append(data, []byte("tone: calm\n")...), 0o644); err != nil {
		t.Fatalf("write brief: %v", err)
	}
	res = harness.MustRun(t, binPath, runDir, "watch", "--once", "-w", workspace)
	if !strings.Contains(res.Stdout, "Enqueued 1, succeeded 1, failed 0") {
		t.Fatalf("changed brief should run one job:\n%s", res.Stdout)
	}

	res = harness.MustRun(t, binPath, runDir, "jobs", "-w", workspace)
	if strings.Count(res.Stdout, "succeeded") != 3 {
		t.Fatalf("expected three succeeded jobs:\n%s", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "r002.yml") {
		t.Fatalf("expected changed brief in job list:\n%s", res.Stdout)
	}

	res = harness.MustRun(t, binPath, runDir, "run", "events", "-w", workspace, "R002")
	if strings.Count(res.Stdout, "run_created") != 1 {
		t.Fatalf("expected one run_created event for R002:\n%s", res.Stdout)
	}

	auditPath := filepath.Join(workspace, "audit", "events.sqlite")
	requireAuditEvents(t, auditPath, []string{
		"job_started",
		"job_succeeded",
		"kb_ingested",
	})
	if n := auditCounts(t, auditPath, "R001")["run_created"]; n != 1 {
		t.Fatalf("expected one run_created event for R001, got %d", n)
	}
}
