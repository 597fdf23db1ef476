package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"crmflow/internal/payload"
	"crmflow/internal/retrieval"
)

// Retrieval bounds used by the rag stage.
const (
	TopK              = 10
	ContextMaxEach    = 3
	EvidencePerSource = 3
	EvidenceTextChars = 800
)

// UnknownSource labels evidence whose match carries no source.
const UnknownSource = "UNKNOWN"

// TruncationMarker is appended to evidence text cut at EvidenceTextChars.
const TruncationMarker = "…"

// Evidence is a storage-safe excerpt of one retrieval match.
type Evidence struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
	Section string  `json:"section"`
	ChunkID string  `json:"chunk_id"`
	Text    string  `json:"text"`
}

func (e Evidence) Payload() payload.Payload {
	return payload.Payload{
		"id":       e.ID,
		"score":    e.Score,
		"source":   e.Source,
		"section":  e.Section,
		"chunk_id": e.ChunkID,
		"text":     e.Text,
	}
}

// BuildEvidence keeps matches in retrieval order, dropping empty text and any
// match past perSource for its source. Kept text longer than maxChars is cut
// and marked.
func BuildEvidence(retrieved retrieval.Result, perSource, maxChars int) []Evidence {
	seen := make(map[string]int)
	out := make([]Evidence, 0, len(retrieved.Matches))
	for _, m := range retrieved.Matches {
		text := strings.TrimSpace(m.Metadata.Text)
		if text == "" {
			continue
		}
		source := m.Metadata.Source
		if source == "" {
			source = UnknownSource
		}
		if seen[source] >= perSource {
			continue
		}
		seen[source]++

		if r := []rune(text); len(r) > maxChars {
			text = string(r[:maxChars]) + TruncationMarker
		}
		out = append(out, Evidence{
			ID:      m.ID,
			Score:   m.Score,
			Source:  source,
			Section: m.Metadata.Section,
			ChunkID: m.Metadata.ChunkID,
			Text:    text,
		})
	}
	return out
}

// QueryInput is what the retrieval query is composed from.
type QueryInput struct {
	Goal               string
	Channel            string
	Tone               string
	BaseTargetQuery    any
	BaseTargetSummary  string
	TargetInputSummary string
	AudienceCount      int
	ConcernMapping     payload.Payload
}

// ComposeQuery renders the fixed natural-language retrieval query.
func ComposeQuery(in QueryInput) string {
	var b strings.Builder
	b.WriteString("You are a CRM marketer and copywriting assistant.\n")
	b.WriteString("Find supporting guidance for writing message templates under the conditions below.\n\n")
	fmt.Fprintf(&b, "[Campaign goal]\n- %s\n\n", in.Goal)
	fmt.Fprintf(&b, "[Channel/tone]\n- channel=%s\n- tone=%s\n\n", in.Channel, in.Tone)
	b.WriteString("[Target]\n")
	fmt.Fprintf(&b, "- base_target_query=%s\n", compactJSON(in.BaseTargetQuery))
	fmt.Fprintf(&b, "- base_target_summary=%s\n", in.BaseTargetSummary)
	fmt.Fprintf(&b, "- selected_filters=%s\n", in.TargetInputSummary)
	fmt.Fprintf(&b, "- audience_count=%d\n", in.AudienceCount)
	fmt.Fprintf(&b, "- concern_mapping(keywords->categories->db_codes)=%s\n\n", compactJSON(in.ConcernMapping))
	b.WriteString("[Request]\n")
	b.WriteString("- brand guide (tone and sentence rules)\n")
	b.WriteString("- channel policy (length, structure, CTA rules)\n")
	b.WriteString("- compliance (banned and softened expressions)\n")
	b.WriteString("- similar campaign formats and best practices\n")
	b.WriteString("Find and summarize supporting sentences for the items above.\n")
	b.WriteString("Note: do not decide product, offer or price; only find guidance that keeps them as slots.")
	return b.String()
}

func compactJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func evidencePayloads(items []Evidence) []any {
	out := make([]any, len(items))
	for i, e := range items {
		out[i] = e.Payload()
	}
	return out
}
