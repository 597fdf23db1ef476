package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"crmflow/internal/payload"
)

// Command shells out to an external generator. The request is written to
// stdin as JSON, CRMFLOW_OP names the operation, and stdout must be a JSON
// object.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
	Env     map[string]string
}

// NewCommand validates that path resolves to an executable.
func NewCommand(path string, args []string, timeout time.Duration) (*Command, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("generator command is required")
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve generator command: %w", err)
	}
	return &Command{Path: resolved, Args: args, Timeout: timeout}, nil
}

func (c *Command) Name() string {
	return "command:" + c.Path
}

func (c *Command) GenerateCandidates(ctx context.Context, req CandidateRequest) (payload.Payload, error) {
	return c.call(ctx, CapabilityCandidates, map[string]any{
		"brief":       req.Brief,
		"channel":     req.Channel,
		"tone":        req.Tone,
		"rag_context": req.RAGContext,
	})
}

func (c *Command) ValidateCandidates(ctx context.Context, candidates []payload.Payload) (payload.Payload, error) {
	if candidates == nil {
		candidates = []payload.Payload{}
	}
	return c.call(ctx, CapabilityCompliance, map[string]any{
		"candidates": candidates,
	})
}

func (c *Command) RenderFinalMessage(ctx context.Context, req RenderRequest) (payload.Payload, error) {
	return c.call(ctx, CapabilityRender, map[string]any{
		"brief":             req.Brief,
		"selected_template": req.SelectedTemplate,
		"rag_context":       req.RAGContext,
	})
}

// ExitError reports a non-zero exit from the generator command.
type ExitError struct {
	Op       string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("generator %s exited with code %d", e.Op, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func (c *Command) call(ctx context.Context, op string, req map[string]any) (payload.Payload, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	env := map[string]string{"CRMFLOW_OP": op}
	for k, v := range c.Env {
		env[k] = v
	}

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = mergeEnv(os.Environ(), env)

	if err := cmd.Run(); err != nil {
		return nil, &ExitError{
			Op:       op,
			ExitCode: exitCodeFromError(err),
			Stderr:   lastLine(stderr.String()),
			Err:      err,
		}
	}

	out, err := payload.Unmarshal(bytes.TrimSpace(stdout.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("generator %s output: %w", op, err)
	}
	return out, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		merged = append(merged, entry)
	}
	for key, value := range overrides {
		merged = append(merged, key+"="+value)
	}
	return merged
}

func exitCodeFromError(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 124
	}
	return 1
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
