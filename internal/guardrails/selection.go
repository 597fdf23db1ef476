package guardrails

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"crmflow/internal/payload"
)

var allowedSelectionFields = map[string]bool{
	"template_id":     true,
	"title":           true,
	"body_with_slots": true,
}

// ParseSelection decodes and validates a selected template supplied as JSON.
// - Requires template_id and body_with_slots as non-empty strings
// - Allows title as an optional string
// - Rejects any unknown/extra fields
func ParseSelection(data []byte) (payload.Payload, error) {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return nil, fmt.Errorf("parse selection: %w", err)
	}

	var extraFields []string
	for field := range rawMap {
		if !allowedSelectionFields[field] {
			extraFields = append(extraFields, field)
		}
	}
	if len(extraFields) > 0 {
		sort.Strings(extraFields)
		return nil, fmt.Errorf("selection contains disallowed fields: %v (only template_id, title, body_with_slots are allowed)", extraFields)
	}

	var sel struct {
		TemplateID    *string `json:"template_id"`
		Title         *string `json:"title"`
		BodyWithSlots *string `json:"body_with_slots"`
	}
	if err := json.Unmarshal(data, &sel); err != nil {
		return nil, fmt.Errorf("parse selection structure: %w", err)
	}
	if sel.TemplateID == nil || strings.TrimSpace(*sel.TemplateID) == "" {
		return nil, errors.New("template_id must be a non-empty string")
	}
	if sel.BodyWithSlots == nil || strings.TrimSpace(*sel.BodyWithSlots) == "" {
		return nil, errors.New("body_with_slots must be a non-empty string")
	}

	out := payload.Payload{
		"template_id":     *sel.TemplateID,
		"body_with_slots": *sel.BodyWithSlots,
	}
	if sel.Title != nil {
		out["title"] = *sel.Title
	}
	return out, nil
}

// ReadSelectionFile reads and validates a selection JSON file.
func ReadSelectionFile(path string) (payload.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read selection: %w", err)
	}
	return ParseSelection(data)
}

// FindCandidate returns the candidate with templateID from a
// TEMPLATE_CANDIDATES payload.
func FindCandidate(candidates payload.Payload, templateID string) (payload.Payload, error) {
	for _, c := range candidates.Maps("candidates") {
		if c.String("template_id") == templateID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("template %s not among candidates", templateID)
}
