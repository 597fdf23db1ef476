// Package generate provides the content collaborators of the campaign
// pipeline: template candidate generation, compliance validation and final
// message rendering. Each has a deterministic fallback and can be backed by
// Gemini or by an external command.
package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crmflow/internal/payload"
)

// Slot names left unfilled in templates until render time.
const (
	SlotCustomerName = "customer_name"
	SlotProductName  = "product_name"
	SlotOffer        = "offer"
	SlotCTA          = "cta"
)

// Slots lists the standard slot names in template order.
var Slots = []string{SlotCustomerName, SlotProductName, SlotOffer, SlotCTA}

// CandidateRequest is the input of template candidate generation.
type CandidateRequest struct {
	Brief      payload.Payload
	Channel    string
	Tone       string
	RAGContext string
}

// RenderRequest is the input of final message rendering. AudienceCount is
// carried for renderers that report it; external renderers may ignore it.
type RenderRequest struct {
	Brief            payload.Payload
	SelectedTemplate payload.Payload
	RAGContext       string
	AudienceCount    int
}

// CandidateGenerator produces {candidates: [...]}.
type CandidateGenerator interface {
	Name() string
	GenerateCandidates(ctx context.Context, req CandidateRequest) (payload.Payload, error)
}

// ComplianceValidator produces {results: [...]} for a candidate list.
type ComplianceValidator interface {
	Name() string
	ValidateCandidates(ctx context.Context, candidates []payload.Payload) (payload.Payload, error)
}

// MessageRenderer produces the execution result for a selected template.
type MessageRenderer interface {
	Name() string
	RenderFinalMessage(ctx context.Context, req RenderRequest) (payload.Payload, error)
}

// Suite is the set of collaborators chosen once at startup.
type Suite struct {
	Candidates CandidateGenerator
	Compliance ComplianceValidator
	Renderer   MessageRenderer
}

// DefaultSuite returns the deterministic fallbacks for all three capabilities.
func DefaultSuite() Suite {
	f := Fallback{}
	return Suite{Candidates: f, Compliance: f, Renderer: f}
}

// Capability names accepted by Options.Capabilities.
const (
	CapabilityCandidates = "candidates"
	CapabilityCompliance = "compliance"
	CapabilityRender     = "render"
)

// Options selects a backend.
type Options struct {
	// Provider is "fallback" (or empty), "genai" or "command".
	Provider string
	// Capabilities limits which collaborators use Provider; the rest keep the
	// fallback. Empty means all.
	Capabilities []string

	Model   string
	APIKey  string
	Command string
	Args    []string
	Timeout time.Duration
}

// New builds a Suite from opts.
func New(ctx context.Context, opts Options, logger *zap.Logger) (Suite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	suite := DefaultSuite()

	type backend interface {
		CandidateGenerator
		ComplianceValidator
		MessageRenderer
	}
	var b backend
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", "fallback":
		return suite, nil
	case "genai":
		g, err := NewGenAI(ctx, opts.APIKey, opts.Model, logger)
		if err != nil {
			return Suite{}, err
		}
		b = g
	case "command":
		c, err := NewCommand(opts.Command, opts.Args, opts.Timeout)
		if err != nil {
			return Suite{}, err
		}
		b = c
	default:
		return Suite{}, fmt.Errorf("unknown generator provider: %s", opts.Provider)
	}

	caps := opts.Capabilities
	if len(caps) == 0 {
		caps = []string{CapabilityCandidates, CapabilityCompliance, CapabilityRender}
	}
	for _, c := range caps {
		switch c {
		case CapabilityCandidates:
			suite.Candidates = b
		case CapabilityCompliance:
			suite.Compliance = b
		case CapabilityRender:
			suite.Renderer = b
		default:
			return Suite{}, fmt.Errorf("unknown generator capability: %s", c)
		}
	}
	logger.Debug("generator suite configured",
		zap.String("candidates", suite.Candidates.Name()),
		zap.String("compliance", suite.Compliance.Name()),
		zap.String("render", suite.Renderer.Name()),
	)
	return suite, nil
}

// FillSlots replaces {slot} placeholders for the standard slot names with
// values. Slots absent from values and any other braces are left untouched.
func FillSlots(body string, values map[string]string) string {
	for _, slot := range Slots {
		v, ok := values[slot]
		if !ok {
			continue
		}
		body = strings.ReplaceAll(body, "{"+slot+"}", v)
	}
	return body
}

// TruncateRunes returns at most n characters of s.
func TruncateRunes(s string, n int) string {
	if n < 0 {
		n = 0
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
