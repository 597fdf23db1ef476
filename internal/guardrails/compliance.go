package guardrails

import (
	"errors"
	"fmt"
	"strings"

	"crmflow/internal/payload"
)

var (
	// ErrNotValidated is returned when no compliance result covers a template.
	ErrNotValidated = errors.New("template has no compliance result")
	// ErrFailedCompliance is returned when a template's compliance status is FAIL.
	ErrFailedCompliance = errors.New("template failed compliance")
)

// CheckSelectable refuses a selection whose template is missing from the
// compliance result or did not pass it.
func CheckSelectable(selected, compliance payload.Payload) error {
	templateID := selected.String("template_id")
	for _, r := range compliance.Maps("results") {
		if r.String("template_id") != templateID {
			continue
		}
		if strings.EqualFold(r.String("status"), "PASS") {
			return nil
		}
		reasons := r.Strings("reasons")
		if len(reasons) == 0 {
			return fmt.Errorf("%w: %s", ErrFailedCompliance, templateID)
		}
		return fmt.Errorf("%w: %s (%s)", ErrFailedCompliance, templateID, strings.Join(reasons, "; "))
	}
	return fmt.Errorf("%w: %s", ErrNotValidated, templateID)
}

// PassedCount returns how many results passed and how many there are.
func PassedCount(compliance payload.Payload) (passed, total int) {
	results := compliance.Maps("results")
	for _, r := range results {
		if strings.EqualFold(r.String("status"), "PASS") {
			passed++
		}
	}
	return passed, len(results)
}

// BuildViolation creates a violation record map.
func BuildViolation(violationType string, details map[string]any) map[string]any {
	return map[string]any{
		"violation_type": violationType,
		"details":        details,
	}
}

// SanitizeErrorForJSON strips newlines and truncates error messages for JSON safety.
func SanitizeErrorForJSON(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	if r := []rune(msg); len(r) > 500 {
		msg = string(r[:497]) + "..."
	}
	return msg
}
