package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"crmflow/internal/generate"
	"crmflow/internal/payload"
	"crmflow/internal/retrieval"
	"crmflow/internal/store"
)

// loadBrief reads the run, its brief and any stored filter selection. It
// writes nothing.
func (p *Pipeline) loadBrief(ctx context.Context, sess store.Session, st State) (Update, error) {
	run, err := sess.GetRun(ctx, st.RunID)
	if err != nil {
		return Update{}, fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return Update{}, fmt.Errorf("%w: %s", ErrRunNotFound, st.RunID)
	}

	brief, ok, err := latestPayload(ctx, sess, st.RunID, store.StageBrief)
	if err != nil {
		return Update{}, err
	}
	if !ok {
		if run.Brief != nil {
			brief = run.Brief
		} else {
			brief = payload.Payload{"goal": run.CampaignGoal}
		}
	}

	targetInput, _, err := latestPayload(ctx, sess, st.RunID, store.StageTargetInput)
	if err != nil {
		return Update{}, err
	}
	targetAudience, _, err := latestPayload(ctx, sess, st.RunID, store.StageTargetAudience)
	if err != nil {
		return Update{}, err
	}

	return Update{
		Brief:          brief,
		Channel:        firstNonEmpty(st.Channel, run.Channel, DefaultChannel),
		Tone:           firstNonEmpty(st.Tone, run.Tone, DefaultTone),
		TargetInput:    targetInput,
		TargetAudience: targetAudience,
	}, nil
}

func (p *Pipeline) target(ctx context.Context, sess store.Session, st State) (Update, error) {
	channel := firstNonEmpty(st.Channel, DefaultChannel)
	tone := firstNonEmpty(st.Tone, DefaultTone)

	base, err := p.targets.BuildTarget(ctx, sess, orEmpty(st.Brief), channel, tone)
	if err != nil {
		return Update{}, fmt.Errorf("build target: %w", err)
	}
	target := MergeTarget(payload.As(base), st.TargetInput, st.TargetAudience)

	if err := sess.CreateHandoff(ctx, st.RunID, store.StageTarget, target); err != nil {
		return Update{}, err
	}
	if err := sess.UpdateRun(ctx, st.RunID, store.RunUpdate{StepID: StepTarget, Channel: channel}); err != nil {
		return Update{}, err
	}
	return Update{Target: target}, nil
}

func (p *Pipeline) rag(ctx context.Context, sess store.Session, st State) (Update, error) {
	brief := orEmpty(st.Brief)
	target := orEmpty(st.Target)
	channel := firstNonEmpty(st.Channel, DefaultChannel)
	tone := firstNonEmpty(st.Tone, DefaultTone)

	goal := firstNonEmpty(brief.String("goal"), brief.String("campaign_goal"))
	var targetQuery any = payload.Payload{}
	if v, ok := target["target_query"]; ok && payload.Truthy(v) {
		targetQuery = v
	}
	audience := target.Map("audience")
	in := QueryInput{
		Goal:               goal,
		Channel:            channel,
		Tone:               tone,
		BaseTargetQuery:    targetQuery,
		BaseTargetSummary:  target.String("summary"),
		TargetInputSummary: target.String("target_input_summary"),
		AudienceCount:      audience.Int("count"),
		ConcernMapping:     audience.Map("resolved"),
	}
	query := ComposeQuery(in)

	retrieved, err := p.retriever.Retrieve(ctx, query, nil, TopK)
	if err != nil {
		return Update{}, fmt.Errorf("retrieve: %w", err)
	}
	contextText := retrieval.BuildContextText(retrieved, ContextMaxEach)
	evidence := BuildEvidence(retrieved, EvidencePerSource, EvidenceTextChars)
	p.logger.Debug("retrieved evidence",
		zap.String("run_id", st.RunID),
		zap.Int("matches", len(retrieved.Matches)),
		zap.Int("evidence", len(evidence)),
	)

	rag := payload.Payload{
		"query":                query,
		"top_k":                TopK,
		"channel":              channel,
		"tone":                 tone,
		"goal":                 goal,
		"base_target_query":    in.BaseTargetQuery,
		"base_target_summary":  in.BaseTargetSummary,
		"target_input_summary": in.TargetInputSummary,
		"audience_count":       in.AudienceCount,
		"concern_mapping":      in.ConcernMapping,
		"evidence":             evidencePayloads(evidence),
		"context":              contextText,
	}
	if err := sess.CreateHandoff(ctx, st.RunID, store.StageRAG, rag); err != nil {
		return Update{}, err
	}
	if err := sess.UpdateRun(ctx, st.RunID, store.RunUpdate{StepID: StepRAG}); err != nil {
		return Update{}, err
	}
	return Update{RAG: rag}, nil
}

func (p *Pipeline) candidates(ctx context.Context, sess store.Session, st State) (Update, error) {
	out, err := p.suite.Candidates.GenerateCandidates(ctx, generate.CandidateRequest{
		Brief:      orEmpty(st.Brief),
		Channel:    firstNonEmpty(st.Channel, DefaultChannel),
		Tone:       firstNonEmpty(st.Tone, DefaultTone),
		RAGContext: st.RAG.String("context"),
	})
	if err != nil {
		return Update{}, fmt.Errorf("generate candidates (%s): %w", p.suite.Candidates.Name(), err)
	}
	out = orEmpty(out)

	if err := sess.CreateHandoff(ctx, st.RunID, store.StageTemplateCandidates, out); err != nil {
		return Update{}, err
	}
	if err := sess.UpdateRun(ctx, st.RunID, store.RunUpdate{StepID: StepCandidates}); err != nil {
		return Update{}, err
	}
	return Update{Candidates: out}, nil
}

func (p *Pipeline) compliance(ctx context.Context, sess store.Session, st State) (Update, error) {
	cands := st.Candidates.Maps("candidates")
	out, err := p.suite.Compliance.ValidateCandidates(ctx, cands)
	if err != nil {
		return Update{}, fmt.Errorf("validate candidates (%s): %w", p.suite.Compliance.Name(), err)
	}
	out = orEmpty(out)

	if err := sess.CreateHandoff(ctx, st.RunID, store.StageCompliance, out); err != nil {
		return Update{}, err
	}
	if err := sess.UpdateRun(ctx, st.RunID, store.RunUpdate{StepID: StepCompliance}); err != nil {
		return Update{}, err
	}
	return Update{Compliance: out}, nil
}

func (p *Pipeline) execute(ctx context.Context, sess store.Session, st State) (Update, error) {
	selected := st.SelectedTemplate
	if !payload.Truthy(selected) {
		h, err := sess.GetLatestHandoff(ctx, st.RunID, store.StageSelectedTemplate)
		if err != nil {
			return Update{}, err
		}
		if h == nil {
			return Update{}, ErrMissingSelection
		}
		selected = orEmpty(h.Payload)
	}

	result, err := p.suite.Renderer.RenderFinalMessage(ctx, generate.RenderRequest{
		Brief:            orEmpty(st.Brief),
		SelectedTemplate: selected,
		RAGContext:       st.RAG.String("context"),
		AudienceCount:    st.Target.Map("audience").Int("count"),
	})
	if err != nil {
		return Update{}, fmt.Errorf("render final message (%s): %w", p.suite.Renderer.Name(), err)
	}
	result = orEmpty(result)

	if err := sess.CreateHandoff(ctx, st.RunID, store.StageExecutionResult, result); err != nil {
		return Update{}, err
	}
	if err := sess.UpdateRun(ctx, st.RunID, store.RunUpdate{
		StepID:       StepExecute,
		CandidateID:  store.Text(generate.TruncateRunes(selected.String("template_id"), CandidateIDChars)),
		RenderedText: store.Text(result.String("final_message")),
	}); err != nil {
		return Update{}, err
	}
	return Update{ExecutionResult: result}, nil
}

// latestPayload returns the latest handoff payload for stage, or an empty
// payload and false when none exists.
func latestPayload(ctx context.Context, sess store.Session, runID, stage string) (payload.Payload, bool, error) {
	h, err := sess.GetLatestHandoff(ctx, runID, stage)
	if err != nil {
		return nil, false, fmt.Errorf("load %s handoff: %w", stage, err)
	}
	if h == nil {
		return payload.Payload{}, false, nil
	}
	return orEmpty(h.Payload), true, nil
}

func orEmpty(p payload.Payload) payload.Payload {
	if p == nil {
		return payload.Payload{}
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
