// Package targeting builds the base target for a campaign brief and resolves
// UI filter selections into a concrete audience.
package targeting

import (
	"context"
	"fmt"
	"strings"

	"crmflow/internal/payload"
	"crmflow/internal/store"
)

// briefHints are brief fields copied into the base target query when present.
var briefHints = []string{"segment", "product_category", "season", "keywords", "region"}

// Builder derives a base target from the brief and the customer base size.
type Builder struct{}

// BuildTarget returns a map with target_query, summary and population.
func (Builder) BuildTarget(ctx context.Context, sess store.Session, brief payload.Payload, channel, tone string) (any, error) {
	population, err := sess.CountCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("build target: %w", err)
	}

	goal := brief.String("goal")
	if goal == "" {
		goal = brief.String("campaign_goal")
	}

	query := payload.Payload{
		"goal":    goal,
		"channel": channel,
		"tone":    tone,
	}
	var parts []string
	if goal != "" {
		parts = append(parts, "goal="+goal)
	}
	parts = append(parts, "channel="+channel)
	for _, key := range briefHints {
		v, ok := brief[key]
		if !ok || !payload.Truthy(v) {
			continue
		}
		query[key] = v
		parts = append(parts, fmt.Sprintf("%s=%v", key, v))
	}
	parts = append(parts, fmt.Sprintf("population=%d", population))

	return map[string]any{
		"target_query": query,
		"summary":      strings.Join(parts, ", "),
		"population":   population,
	}, nil
}
