package generate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/payload"
)

func TestFallbackCandidatesKeepSlots(t *testing.T) {
	out, err := Fallback{}.GenerateCandidates(context.Background(), CandidateRequest{})
	require.NoError(t, err)

	cands := out.Maps("candidates")
	require.Len(t, cands, 2)
	assert.Equal(t, "T001", cands[0].String("template_id"))
	assert.Equal(t, "T002", cands[1].String("template_id"))
	for _, c := range cands {
		body := c.String("body_with_slots")
		assert.Contains(t, body, "{customer_name}")
		assert.Contains(t, body, "{product_name}")
		assert.Contains(t, body, "{offer}")
		assert.Contains(t, body, "{cta}")
	}
}

func TestCheckBody(t *testing.T) {
	cases := []struct {
		body   string
		status string
	}{
		{"{customer_name}님 안녕하세요", StatusPass},
		{"100% 효과 보장", StatusFail},
		{"여드름 완치!", StatusFail},
		{"", StatusPass},
	}
	for _, tc := range cases {
		status, reasons := CheckBody(tc.body)
		assert.Equal(t, tc.status, status, tc.body)
		if status == StatusFail {
			assert.Equal(t, []string{ReasonExaggeratedClaim}, reasons)
		} else {
			assert.Empty(t, reasons)
		}
	}
}

func TestFallbackValidateCandidates(t *testing.T) {
	out, err := Fallback{}.ValidateCandidates(context.Background(), []payload.Payload{
		{"template_id": "T001", "body_with_slots": "hello"},
		{"template_id": "T002", "body_with_slots": "완치 보장"},
		{"template_id": "T003"},
	})
	require.NoError(t, err)

	results := out.Maps("results")
	require.Len(t, results, 3)
	assert.Equal(t, StatusPass, results[0].String("status"))
	assert.Equal(t, StatusFail, results[1].String("status"))
	assert.Equal(t, StatusPass, results[2].String("status"))
	assert.Equal(t, "T002", results[1].String("template_id"))
}

func TestFallbackRenderKeepsPlaceholders(t *testing.T) {
	long := make([]rune, 2000)
	for i := range long {
		long[i] = '가'
	}
	out, err := Fallback{}.RenderFinalMessage(context.Background(), RenderRequest{
		SelectedTemplate: payload.Payload{"template_id": "T001", "body_with_slots": "Hi {customer_name}, {offer}"},
		RAGContext:       string(long),
		AudienceCount:    7,
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi {customer_name}, {offer}", out.String("final_message"))
	assert.Equal(t, "T001", out.String("used_template_id"))
	assert.Len(t, []rune(out.String("rag_used")), RAGExcerptChars)
	assert.Equal(t, 7, out.Int("audience_count"))
}

func TestFallbackHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fallback{}.GenerateCandidates(ctx, CandidateRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFillSlots(t *testing.T) {
	got := FillSlots("{customer_name}/{offer}/{unknown}", map[string]string{
		SlotCustomerName: "Kim",
	})
	assert.Equal(t, "Kim/{offer}/{unknown}", got)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "안녕", TruncateRunes("안녕하세요", 2))
	assert.Equal(t, "abc", TruncateRunes("abc", 10))
	assert.Equal(t, "", TruncateRunes("abc", -1))
}

func TestNewDefaultsToFallback(t *testing.T) {
	suite, err := New(context.Background(), Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", suite.Candidates.Name())
	assert.Equal(t, "fallback", suite.Compliance.Name())
	assert.Equal(t, "fallback", suite.Renderer.Name())
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Options{Provider: "openai"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown generator provider")
}

func TestNewGenAIRequiresKey(t *testing.T) {
	_, err := New(context.Background(), Options{Provider: "genai"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence(`{"a":1}`))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "gen.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCommandCapabilityOverride(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
case "$CRMFLOW_OP" in
  candidates) echo '{"candidates":[{"template_id":"X1","title":"ext","body_with_slots":"{cta}"}]}' ;;
  *) echo '{}' ;;
esac
`)
	suite, err := New(context.Background(), Options{
		Provider:     "command",
		Capabilities: []string{CapabilityCandidates},
		Command:      script,
		Timeout:      5 * time.Second,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", suite.Compliance.Name())
	assert.Equal(t, "fallback", suite.Renderer.Name())

	out, err := suite.Candidates.GenerateCandidates(context.Background(), CandidateRequest{Channel: "PUSH"})
	require.NoError(t, err)
	cands := out.Maps("candidates")
	require.Len(t, cands, 1)
	assert.Equal(t, "X1", cands[0].String("template_id"))
}

func TestCommandExitError(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 3\n")
	c, err := NewCommand(script, nil, 0)
	require.NoError(t, err)

	_, err = c.ValidateCandidates(context.Background(), nil)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected ExitError, got %v", err)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, "boom", exitErr.Stderr)
	assert.Equal(t, CapabilityCompliance, exitErr.Op)
}

func TestCommandRejectsInvalidOutput(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho 'not json'\n")
	c, err := NewCommand(script, nil, 0)
	require.NoError(t, err)

	_, err = c.RenderFinalMessage(context.Background(), RenderRequest{})
	require.Error(t, err)
}

func TestMergeEnvOverrides(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3"})
	assert.ElementsMatch(t, []string{"A=1", "B=3"}, got)
}
