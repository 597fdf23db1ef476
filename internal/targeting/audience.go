package targeting

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"crmflow/internal/payload"
	"crmflow/internal/store"
)

// UnmappedCategory marks a concern keyword with no configured mapping.
const UnmappedCategory = "UNMAPPED"

const defaultSampleSize = 5

// TargetInput is the filter selection collected from a UI or CLI.
type TargetInput struct {
	Gender          []string `yaml:"gender" json:"gender,omitempty"`
	AgeBands        []string `yaml:"age_bands" json:"age_bands,omitempty"`
	SkinTypes       []string `yaml:"skin_types" json:"skin_types,omitempty"`
	ConcernKeywords []string `yaml:"concern_keywords" json:"concern_keywords,omitempty"`
}

// Payload returns the selection as a handoff body, omitting empty fields.
func (in TargetInput) Payload() payload.Payload {
	out := payload.Payload{}
	add := func(key string, values []string) {
		if len(values) > 0 {
			out[key] = append([]string(nil), values...)
		}
	}
	add("gender", in.Gender)
	add("age_bands", in.AgeBands)
	add("skin_types", in.SkinTypes)
	add("concern_keywords", in.ConcernKeywords)
	return out
}

// KeywordMapping maps a concern keyword to a category and customer concern codes.
type KeywordMapping struct {
	Category string   `yaml:"category"`
	Codes    []string `yaml:"codes"`
}

// CustomerSource lists customers matching a filter.
type CustomerSource interface {
	ListCustomers(ctx context.Context, filter store.CustomerFilter) ([]store.Customer, error)
}

// HandoffWriter appends handoffs.
type HandoffWriter interface {
	CreateHandoff(ctx context.Context, runID, stage string, p payload.Payload) error
}

// Resolver turns a TargetInput into the audience payload stored as the
// TARGET_AUDIENCE handoff.
type Resolver struct {
	Customers  CustomerSource
	Keywords   map[string]KeywordMapping
	SampleSize int
	Logger     *zap.Logger
}

// Resolve matches customers against in and returns
// {count, user_ids, sample, resolved}.
func (r *Resolver) Resolve(ctx context.Context, in TargetInput) (payload.Payload, error) {
	if r.Customers == nil {
		return nil, fmt.Errorf("customer source is required")
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sampleSize := r.SampleSize
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}

	resolved := payload.Payload{}
	codeSet := make(map[string]struct{})
	for _, kw := range in.ConcernKeywords {
		m, ok := r.lookup(kw)
		if !ok {
			logger.Debug("unmapped concern keyword", zap.String("keyword", kw))
			resolved[kw] = payload.Payload{"category": UnmappedCategory, "codes": []string{}}
			continue
		}
		resolved[kw] = payload.Payload{"category": m.Category, "codes": append([]string(nil), m.Codes...)}
		for _, code := range m.Codes {
			codeSet[code] = struct{}{}
		}
	}
	codes := make([]string, 0, len(codeSet))
	for code := range codeSet {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	userIDs := []string{}
	// Keywords that resolve to no codes select nobody rather than everybody.
	if len(in.ConcernKeywords) == 0 || len(codes) > 0 {
		customers, err := r.Customers.ListCustomers(ctx, store.CustomerFilter{
			Genders:   in.Gender,
			AgeBands:  in.AgeBands,
			SkinTypes: in.SkinTypes,
			Concerns:  codes,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve audience: %w", err)
		}
		for _, c := range customers {
			userIDs = append(userIDs, c.ID)
		}
	}

	sample := userIDs
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	logger.Info("audience resolved",
		zap.Int("count", len(userIDs)),
		zap.Int("keywords", len(in.ConcernKeywords)),
		zap.Int("codes", len(codes)),
	)

	return payload.Payload{
		"count":    len(userIDs),
		"user_ids": userIDs,
		"sample":   append([]string(nil), sample...),
		"resolved": resolved,
	}, nil
}

func (r *Resolver) lookup(kw string) (KeywordMapping, bool) {
	if m, ok := r.Keywords[kw]; ok {
		return m, true
	}
	key := strings.ToLower(strings.TrimSpace(kw))
	for k, m := range r.Keywords {
		if strings.ToLower(k) == key {
			return m, true
		}
	}
	return KeywordMapping{}, false
}

// Apply resolves in and records both the TARGET_INPUT and TARGET_AUDIENCE
// handoffs for runID, the way a UI does before the pipeline starts.
func (r *Resolver) Apply(ctx context.Context, w HandoffWriter, runID string, in TargetInput) (payload.Payload, error) {
	audience, err := r.Resolve(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := w.CreateHandoff(ctx, runID, store.StageTargetInput, in.Payload()); err != nil {
		return nil, err
	}
	if err := w.CreateHandoff(ctx, runID, store.StageTargetAudience, audience); err != nil {
		return nil, err
	}
	return audience, nil
}
