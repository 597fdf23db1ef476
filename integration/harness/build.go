package harness

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
)

// prebuiltEnv names an already built crmflow binary to test instead of
// building one.
const prebuiltEnv = "CRMFLOW_TEST_BIN"

var moduleRoot = sync.OnceValues(func() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("runtime.Caller failed")
	}
	// integration/harness/build.go
	root := filepath.Dir(filepath.Dir(filepath.Dir(file)))
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		return "", fmt.Errorf("verify repo root: %w", err)
	}
	return root, nil
})

var binary = sync.OnceValues(func() (string, error) {
	if path := strings.TrimSpace(os.Getenv(prebuiltEnv)); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s: %w", prebuiltEnv, err)
		}
		return path, nil
	}
	root, err := moduleRoot()
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", "crmflow-bin-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	out := filepath.Join(dir, "crmflow")
	cmd := exec.Command("go", "build", "-trimpath", "-o", out, "./cmd/crmflow")
	cmd.Dir = root
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build failed: %w\n%s", err, output)
	}
	return out, nil
})

// RepoRoot returns the module root.
func RepoRoot(t *testing.T) string {
	t.Helper()
	root, err := moduleRoot()
	if err != nil {
		t.Fatalf("resolve repo root: %v", err)
	}
	return root
}

// BuildBinary returns the crmflow CLI under test, compiling it at most once
// per test process.
func BuildBinary(t *testing.T) string {
	t.Helper()
	path, err := binary()
	if err != nil {
		t.Fatalf("build crmflow binary: %v", err)
	}
	return path
}
