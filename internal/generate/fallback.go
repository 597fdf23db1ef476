package generate

import (
	"context"
	"strings"

	"crmflow/internal/payload"
)

// Compliance outcomes.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// ReasonExaggeratedClaim is reported for bodies containing a banned phrase.
const ReasonExaggeratedClaim = "exaggerated/absolute claim"

// RAGExcerptChars bounds the retrieval context kept in an execution result.
const RAGExcerptChars = 1500

// BannedPhrases trip the fallback compliance rule: a 100%-efficacy claim and a
// cure claim.
var BannedPhrases = []string{"100% 효과", "완치"}

// Fallback is the deterministic, offline implementation of every capability.
type Fallback struct{}

func (Fallback) Name() string {
	return "fallback"
}

// GenerateCandidates returns two fixed templates. Product, offer and price are
// left as slots.
func (Fallback) GenerateCandidates(ctx context.Context, req CandidateRequest) (payload.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return payload.Payload{
		"candidates": []any{
			payload.Payload{
				"template_id":     "T001",
				"title":           "기본 포맷",
				"body_with_slots": "안녕하세요 {customer_name}님 :) {product_name} 소식이에요.\n{offer}\n👉 {cta}",
			},
			payload.Payload{
				"template_id":     "T002",
				"title":           "친근 톤",
				"body_with_slots": "{customer_name}님 :) 반가워요!\n{product_name} 관련 안내예요.\n{offer}\n👉 지금 확인: {cta}",
			},
		},
	}, nil
}

// ValidateCandidates fails any body containing a banned phrase.
func (Fallback) ValidateCandidates(ctx context.Context, candidates []payload.Payload) (payload.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]any, 0, len(candidates))
	for _, c := range candidates {
		status, reasons := CheckBody(c.String("body_with_slots"))
		results = append(results, payload.Payload{
			"template_id": c["template_id"],
			"status":      status,
			"reasons":     reasons,
		})
	}
	return payload.Payload{"results": results}, nil
}

// CheckBody applies the banned-phrase rule to one body.
func CheckBody(body string) (string, []string) {
	for _, phrase := range BannedPhrases {
		if strings.Contains(body, phrase) {
			return StatusFail, []string{ReasonExaggeratedClaim}
		}
	}
	return StatusPass, []string{}
}

// RenderFinalMessage keeps every slot as its own placeholder and reports the
// template, a bounded context excerpt and the audience size.
func (Fallback) RenderFinalMessage(ctx context.Context, req RenderRequest) (payload.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	placeholders := make(map[string]string, len(Slots))
	for _, slot := range Slots {
		placeholders[slot] = "{" + slot + "}"
	}
	return payload.Payload{
		"final_message":    FillSlots(req.SelectedTemplate.String("body_with_slots"), placeholders),
		"used_template_id": req.SelectedTemplate["template_id"],
		"rag_used":         TruncateRunes(req.RAGContext, RAGExcerptChars),
		"audience_count":   req.AudienceCount,
	}, nil
}
