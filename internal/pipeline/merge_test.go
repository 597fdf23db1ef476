package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/payload"
	"crmflow/internal/retrieval"
)

func TestRouteAfterCompliance(t *testing.T) {
	cases := []struct {
		name string
		st   State
		want string
	}{
		{"absent", State{}, End},
		{"empty", State{SelectedTemplate: payload.Payload{}}, End},
		{"selected", State{SelectedTemplate: payload.Payload{"template_id": "T001"}}, NodeExecute},
		{"selected with everything else", State{
			RunID:            "R001",
			Compliance:       payload.Payload{"results": []any{}},
			SelectedTemplate: payload.Payload{"template_id": "T002"},
		}, NodeExecute},
		{"executed but unselected", State{ExecutionResult: payload.Payload{"final_message": "x"}}, End},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RouteAfterCompliance(tc.st))
		})
	}
}

func TestStateMergeNeverClears(t *testing.T) {
	st := State{
		RunID:   "R001",
		Channel: "PUSH",
		Brief:   payload.Payload{"goal": "g"},
		Target:  payload.Payload{"summary": "s"},
	}
	st = st.Merge(Update{RAG: payload.Payload{"context": "c"}})
	assert.Equal(t, "PUSH", st.Channel)
	assert.Equal(t, "g", st.Brief.String("goal"))
	assert.Equal(t, "s", st.Target.String("summary"))
	assert.Equal(t, "c", st.RAG.String("context"))

	st = st.Merge(Update{TargetInput: payload.Payload{}})
	assert.NotNil(t, st.TargetInput)
	assert.Equal(t, "R001", st.Payload().String("run_id"))
	_, hasExec := st.Payload()["execution_result"]
	assert.False(t, hasExec)
}

func TestMergeTargetDefaults(t *testing.T) {
	got := MergeTarget(payload.Payload{"target_query": payload.Payload{"goal": "g"}, "summary": "base"}, nil, nil)

	assert.Equal(t, "base", got.String("summary"))
	assert.Equal(t, "g", got.Map("target_query").String("goal"))
	assert.Equal(t, payload.Payload{}, got.Map("target_input"))

	audience := got.Map("audience")
	assert.Equal(t, 0, audience.Int("count"))
	assert.Equal(t, []any{}, audience.List("user_ids"))
	assert.Equal(t, []any{}, audience.List("sample"))
	assert.Equal(t, payload.Payload{}, audience.Map("resolved"))
	assert.Equal(t, NoFiltersSummary, got.String("target_input_summary"))
}

func TestMergeTargetExtensionWinsAndBaseIsUntouched(t *testing.T) {
	base := payload.Payload{"audience": "base value", "population": 10}
	got := MergeTarget(base, payload.Payload{"skin_types": []any{"dry"}}, payload.Payload{"count": float64(4), "unrelated": true})

	assert.Equal(t, 10, got.Int("population"))
	assert.Equal(t, 4, got.Map("audience").Int("count"))
	_, leaked := got.Map("audience")["unrelated"]
	assert.False(t, leaked)
	assert.Equal(t, "base value", base["audience"])
	assert.Equal(t, "skin_types=[dry]", got.String("target_input_summary"))
}

func TestMergeTargetClampsNegativeCount(t *testing.T) {
	got := MergeTarget(nil, nil, payload.Payload{"count": -3})
	assert.Equal(t, 0, got.Map("audience").Int("count"))
}

func TestSummarizeTargetInput(t *testing.T) {
	cases := []struct {
		name string
		in   payload.Payload
		want string
	}{
		{"nil", nil, NoFiltersSummary},
		{"all empty", payload.Payload{"gender": []any{}, "age_bands": nil, "skin_types": "", "concern_keywords": []string{}}, NoFiltersSummary},
		{"unrelated keys only", payload.Payload{"region": "seoul"}, NoFiltersSummary},
		{"fixed order", payload.Payload{
			"concern_keywords": []any{"dryness"},
			"gender":           []any{"F"},
			"age_bands":        []string{"20s", "30s"},
		}, "gender=[F] / age_bands=[20s 30s] / concern_keywords=[dryness]"},
		{"scalar value", payload.Payload{"gender": "M"}, "gender=[M]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SummarizeTargetInput(tc.in))
		})
	}
}

func TestBuildEvidence(t *testing.T) {
	long := strings.Repeat("가", 900)
	retrieved := retrieval.Result{Matches: []retrieval.Match{
		{ID: "a1", Score: 0.9, Metadata: retrieval.Metadata{Source: "a.md", Section: "S", ChunkID: "a#1", Text: "  first  "}},
		{ID: "b1", Score: 0.8, Metadata: retrieval.Metadata{Source: "b.md", Text: "   "}},
		{ID: "a2", Score: 0.7, Metadata: retrieval.Metadata{Source: "a.md", Text: long}},
		{ID: "a3", Score: 0.6, Metadata: retrieval.Metadata{Source: "a.md", Text: "third"}},
		{ID: "a4", Score: 0.5, Metadata: retrieval.Metadata{Source: "a.md", Text: "fourth"}},
		{ID: "u1", Score: 0.4, Metadata: retrieval.Metadata{Text: "no source"}},
		{ID: "b2", Score: 0.3, Metadata: retrieval.Metadata{Source: "b.md", Text: "kept"}},
	}}

	got := BuildEvidence(retrieved, EvidencePerSource, EvidenceTextChars)
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	require.Equal(t, []string{"a1", "a2", "a3", "u1", "b2"}, ids)

	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, "S", got[0].Section)
	assert.Equal(t, "a#1", got[0].ChunkID)
	assert.Equal(t, strings.Repeat("가", EvidenceTextChars)+TruncationMarker, got[1].Text)
	assert.Equal(t, "third", got[2].Text)
	assert.Equal(t, UnknownSource, got[3].Source)
	assert.Equal(t, 0.3, got[4].Score)
}

func TestBuildEvidenceExactBoundaryIsVerbatim(t *testing.T) {
	text := strings.Repeat("x", EvidenceTextChars)
	got := BuildEvidence(retrieval.Result{Matches: []retrieval.Match{
		{ID: "x", Metadata: retrieval.Metadata{Source: "s", Text: text}},
	}}, EvidencePerSource, EvidenceTextChars)
	require.Len(t, got, 1)
	assert.Equal(t, text, got[0].Text)
}

func TestComposeQueryIncludesTarget(t *testing.T) {
	q := ComposeQuery(QueryInput{
		Goal:               "repurchase",
		Channel:            "PUSH",
		Tone:               "amoremall",
		BaseTargetQuery:    payload.Payload{"goal": "repurchase"},
		BaseTargetSummary:  "population=3",
		TargetInputSummary: NoFiltersSummary,
		AudienceCount:      3,
		ConcernMapping:     payload.Payload{},
	})
	assert.Contains(t, q, "- repurchase")
	assert.Contains(t, q, "channel=PUSH")
	assert.Contains(t, q, "tone=amoremall")
	assert.Contains(t, q, `base_target_query={"goal":"repurchase"}`)
	assert.Contains(t, q, "base_target_summary=population=3")
	assert.Contains(t, q, "selected_filters="+NoFiltersSummary)
	assert.Contains(t, q, "audience_count=3")
	assert.Contains(t, q, "concern_mapping(keywords->categories->db_codes)={}")
	assert.Contains(t, q, "keeps them as slots")
}
