package pipeline

import "crmflow/internal/payload"

// State is the campaign state threaded through one invocation. An empty
// string or nil map means the field is absent.
type State struct {
	RunID   string
	Channel string
	Tone    string

	Brief          payload.Payload
	TargetInput    payload.Payload
	TargetAudience payload.Payload

	Target     payload.Payload
	RAG        payload.Payload
	Candidates payload.Payload
	Compliance payload.Payload

	SelectedTemplate payload.Payload
	ExecutionResult  payload.Payload
}

// Update is the partial result of one stage. Only fields that are set replace
// the corresponding State field.
type Update struct {
	Channel string
	Tone    string

	Brief          payload.Payload
	TargetInput    payload.Payload
	TargetAudience payload.Payload

	Target     payload.Payload
	RAG        payload.Payload
	Candidates payload.Payload
	Compliance payload.Payload

	SelectedTemplate payload.Payload
	ExecutionResult  payload.Payload
}

// Merge returns s with the fields set in u replaced. Fields u leaves unset pass
// through unchanged; Merge never clears a field.
func (s State) Merge(u Update) State {
	if u.Channel != "" {
		s.Channel = u.Channel
	}
	if u.Tone != "" {
		s.Tone = u.Tone
	}
	mergeMap(&s.Brief, u.Brief)
	mergeMap(&s.TargetInput, u.TargetInput)
	mergeMap(&s.TargetAudience, u.TargetAudience)
	mergeMap(&s.Target, u.Target)
	mergeMap(&s.RAG, u.RAG)
	mergeMap(&s.Candidates, u.Candidates)
	mergeMap(&s.Compliance, u.Compliance)
	mergeMap(&s.SelectedTemplate, u.SelectedTemplate)
	mergeMap(&s.ExecutionResult, u.ExecutionResult)
	return s
}

func mergeMap(dst *payload.Payload, v payload.Payload) {
	if v != nil {
		*dst = v
	}
}

// Payload renders the present fields of s under their snake_case names.
func (s State) Payload() payload.Payload {
	out := payload.Payload{"run_id": s.RunID}
	if s.Channel != "" {
		out["channel"] = s.Channel
	}
	if s.Tone != "" {
		out["tone"] = s.Tone
	}
	fields := []struct {
		key string
		val payload.Payload
	}{
		{"brief", s.Brief},
		{"target_input", s.TargetInput},
		{"target_audience", s.TargetAudience},
		{"target", s.Target},
		{"rag", s.RAG},
		{"candidates", s.Candidates},
		{"compliance", s.Compliance},
		{"selected_template", s.SelectedTemplate},
		{"execution_result", s.ExecutionResult},
	}
	for _, f := range fields {
		if f.val != nil {
			out[f.key] = f.val
		}
	}
	return out
}
