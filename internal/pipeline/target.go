package pipeline

import (
	"fmt"
	"strings"

	"crmflow/internal/payload"
)

// NoFiltersSummary is the target input summary when no filter is selected.
const NoFiltersSummary = "NO_FILTERS(all customers)"

// targetInputFields is the fixed order of filter fields in a summary.
var targetInputFields = []string{"gender", "age_bands", "skin_types", "concern_keywords"}

// MergeTarget extends the base targeting result with the filter selection, the
// resolved audience and a one-line filter summary. Missing audience fields
// default to a zero count, empty id lists and an empty mapping.
func MergeTarget(base, targetInput, targetAudience payload.Payload) payload.Payload {
	if targetInput == nil {
		targetInput = payload.Payload{}
	}
	count := targetAudience.Int("count")
	if count < 0 {
		count = 0
	}

	out := base.Clone()
	out["target_input"] = targetInput
	out["audience"] = payload.Payload{
		"count":    count,
		"user_ids": targetAudience.List("user_ids"),
		"sample":   targetAudience.List("sample"),
		"resolved": targetAudience.Map("resolved"),
	}
	out["target_input_summary"] = SummarizeTargetInput(targetInput)
	return out
}

// SummarizeTargetInput joins the non-empty filter fields as key=[values] with
// " / ", or returns NoFiltersSummary.
func SummarizeTargetInput(in payload.Payload) string {
	var parts []string
	for _, key := range targetInputFields {
		vals := filterValues(in[key])
		if len(vals) == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=[%s]", key, strings.Join(vals, " ")))
	}
	if len(parts) == 0 {
		return NoFiltersSummary
	}
	return strings.Join(parts, " / ")
}

func filterValues(v any) []string {
	if s, ok := v.(string); ok {
		if s = strings.TrimSpace(s); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, item := range payload.ToList(v) {
		s := strings.TrimSpace(fmt.Sprint(item))
		if item == nil || s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
