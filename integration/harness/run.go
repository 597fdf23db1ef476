package harness

import (
	"bytes"
	"os"
	"os/exec"
	"sort"
	"strings"
	"testing"
)

// isolatedEnv pins the settings that would otherwise leak in from the
// developer's environment.
var isolatedEnv = map[string]string{
	"CRMFLOW_GENERATOR":   "fallback",
	"CRMFLOW_NOTIFY":      "false",
	"CRMFLOW_LOG_LEVEL":   "warn",
	"CRMFLOW_AUDIT_DB":    "",
	"GEMINI_API_KEY":      "",
	"CRMFLOW_GENAI_MODEL": "",
}

// Result is the outcome of one CLI invocation.
type Result struct {
	Stdout string
	Stderr string
	Code   int
}

// Run executes the CLI in workDir with the isolated environment.
func Run(t *testing.T, binPath, workDir string, args ...string) Result {
	t.Helper()
	return RunWithEnv(t, binPath, workDir, nil, args...)
}

// RunWithEnv executes the CLI with environment overrides applied on top of
// the isolated environment.
func RunWithEnv(t *testing.T, binPath, workDir string, env map[string]string, args ...string) Result {
	t.Helper()

	overrides := make(map[string]string, len(isolatedEnv)+len(env))
	for k, v := range isolatedEnv {
		overrides[k] = v
	}
	for k, v := range env {
		overrides[k] = v
	}

	cmd := exec.Command(binPath, args...)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(overrides)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Result{}
	if err := cmd.Run(); err != nil {
		ee, ok := err.(*exec.ExitError)
		if !ok {
			t.Fatalf("run %s: %v", binPath, err)
		}
		res.Code = ee.ExitCode()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res
}

// MustRun runs the CLI and fails the test on a non-zero exit code.
func MustRun(t *testing.T, binPath, workDir string, args ...string) Result {
	t.Helper()
	res := Run(t, binPath, workDir, args...)
	if res.Code != 0 {
		t.Fatalf("crmflow %s exit code %d\nstdout:\n%s\nstderr:\n%s", strings.Join(args, " "), res.Code, res.Stdout, res.Stderr)
	}
	return res
}

func mergeEnv(overrides map[string]string) []string {
	env := make(map[string]string, len(overrides))
	for _, entry := range os.Environ() {
		key, val, _ := strings.Cut(entry, "=")
		env[key] = val
	}
	for k, v := range overrides {
		if v == "" {
			delete(env, k)
			continue
		}
		env[k] = v
	}

	merged := make([]string, 0, len(env))
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	sort.Strings(merged)
	return merged
}
