// Package history renders a run's handoff log and the changes between
// successive handoffs of the same stage.
package history

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"

	"crmflow/internal/payload"
	"crmflow/internal/store"
)

// Entry is one handoff with its diff against the previous handoff of the same
// stage. Diff is empty for the first handoff of a stage and when nothing
// changed.
type Entry struct {
	Handoff store.Handoff
	First   bool
	Diff    string
}

// Render formats a payload as YAML with sorted keys.
func Render(p payload.Payload) (string, error) {
	if p == nil {
		p = payload.Payload{}
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("render payload: %w", err)
	}
	return string(data), nil
}

// Diff returns a unified diff between two handoffs.
func Diff(prev, next store.Handoff) (string, error) {
	oldText, err := Render(prev.Payload)
	if err != nil {
		return "", err
	}
	newText, err := Render(next.Payload)
	if err != nil {
		return "", err
	}
	diff := difflib.UnifiedDiff{
		A:        strings.Split(oldText, "\n"),
		B:        strings.Split(newText, "\n"),
		FromFile: label(prev),
		ToFile:   label(next),
		Context:  3,
	}
	diffText, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("diff %s: %w", next.StageName, err)
	}
	return diffText, nil
}

// Build pairs every handoff, in the order given, with its diff against the
// previous handoff of the same stage.
func Build(handoffs []store.Handoff) ([]Entry, error) {
	last := make(map[string]store.Handoff)
	entries := make([]Entry, 0, len(handoffs))
	for _, h := range handoffs {
		prev, ok := last[h.StageName]
		entry := Entry{Handoff: h, First: !ok}
		if ok {
			d, err := Diff(prev, h)
			if err != nil {
				return nil, err
			}
			entry.Diff = d
		}
		last[h.StageName] = h
		entries = append(entries, entry)
	}
	return entries, nil
}

func label(h store.Handoff) string {
	return fmt.Sprintf("%s@%s", h.StageName, h.CreatedAt)
}
