package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"crmflow/internal/payload"
)

const defaultGenAIModel = "gemini-2.0-flash"

// GenAI backs every capability with a Gemini model that answers in JSON.
type GenAI struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGenAI creates a Gemini-backed generator.
func NewGenAI(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = defaultGenAIModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAI{client: client, model: model, logger: logger}, nil
}

func (g *GenAI) Name() string {
	return "genai:" + g.model
}

func (g *GenAI) GenerateCandidates(ctx context.Context, req CandidateRequest) (payload.Payload, error) {
	return g.generateJSON(ctx, "candidates", candidatePrompt(req))
}

func (g *GenAI) ValidateCandidates(ctx context.Context, candidates []payload.Payload) (payload.Payload, error) {
	data, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}
	return g.generateJSON(ctx, "compliance", compliancePrompt(string(data)))
}

func (g *GenAI) RenderFinalMessage(ctx context.Context, req RenderRequest) (payload.Payload, error) {
	return g.generateJSON(ctx, "render", renderPrompt(req))
}

func (g *GenAI) generateJSON(ctx context.Context, op, prompt string) (payload.Payload, error) {
	g.logger.Debug("genai request", zap.String("op", op), zap.String("model", g.model), zap.Int("prompt_chars", len(prompt)))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("GenAI %s failed: %w", op, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("GenAI %s: empty response", op)
	}
	out, err := payload.Unmarshal([]byte(stripFence(text)))
	if err != nil {
		return nil, fmt.Errorf("GenAI %s: %w", op, err)
	}
	return out, nil
}

// stripFence removes a ```json fence some models wrap structured output in.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func candidatePrompt(req CandidateRequest) string {
	brief, _ := json.MarshalIndent(req.Brief, "", "  ")
	var b strings.Builder
	b.WriteString("You are a CRM copywriting assistant.\n\n")
	fmt.Fprintf(&b, "## Brief\n%s\n\n", brief)
	fmt.Fprintf(&b, "## Channel / tone\n- channel: %s\n- tone: %s\n\n", req.Channel, req.Tone)
	fmt.Fprintf(&b, "## Guidance\n%s\n\n", req.RAGContext)
	b.WriteString("## Task\n")
	b.WriteString("Write 2 to 4 message templates. Do not decide product, offer or price: keep the slots ")
	b.WriteString("{customer_name}, {product_name}, {offer} and {cta} in the body.\n\n")
	b.WriteString("Respond with JSON only:\n")
	b.WriteString(`{"candidates": [{"template_id": "T001", "title": "...", "body_with_slots": "..."}]}`)
	b.WriteString("\n")
	return b.String()
}

func compliancePrompt(candidates string) string {
	var b strings.Builder
	b.WriteString("You review marketing message templates for cosmetics advertising compliance.\n")
	b.WriteString("Flag medical or cure claims, guaranteed or absolute efficacy, and misleading superlatives.\n\n")
	fmt.Fprintf(&b, "## Candidates\n%s\n\n", candidates)
	b.WriteString("Respond with JSON only:\n")
	b.WriteString(`{"results": [{"template_id": "T001", "status": "PASS or FAIL", "reasons": ["..."]}]}`)
	b.WriteString("\n")
	return b.String()
}

func renderPrompt(req RenderRequest) string {
	brief, _ := json.MarshalIndent(req.Brief, "", "  ")
	selected, _ := json.MarshalIndent(req.SelectedTemplate, "", "  ")
	var b strings.Builder
	b.WriteString("You finalize a CRM message from an approved template.\n\n")
	fmt.Fprintf(&b, "## Brief\n%s\n\n", brief)
	fmt.Fprintf(&b, "## Selected template\n%s\n\n", selected)
	fmt.Fprintf(&b, "## Guidance\n%s\n\n", TruncateRunes(req.RAGContext, RAGExcerptChars))
	b.WriteString("Fill slots the brief decides; keep any slot the brief leaves open as its placeholder.\n\n")
	b.WriteString("Respond with JSON only:\n")
	b.WriteString(`{"final_message": "...", "used_template_id": "...", "notes": "..."}`)
	b.WriteString("\n")
	return b.String()
}
