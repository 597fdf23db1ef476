package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchRequest is one run to drive to candidates.
type BatchRequest struct {
	RunID   string `yaml:"run_id" json:"run_id"`
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty"`
	Tone    string `yaml:"tone,omitempty" json:"tone,omitempty"`
}

// BatchResult is the outcome of one BatchRequest.
type BatchResult struct {
	RunID string
	State State
	Err   error
}

// RunBatch runs RunUntilCandidates for distinct runs with at most parallel in
// flight (unbounded when parallel <= 0). A failing run does not stop the
// others; its error is reported in its result. Results are in request order.
func (p *Pipeline) RunBatch(ctx context.Context, reqs []BatchRequest, parallel int) ([]BatchResult, error) {
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		if r.RunID == "" {
			return nil, fmt.Errorf("batch request missing run id")
		}
		if _, ok := seen[r.RunID]; ok {
			return nil, fmt.Errorf("duplicate run id in batch: %s", r.RunID)
		}
		seen[r.RunID] = struct{}{}
	}

	results := make([]BatchResult, len(reqs))
	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, r := range reqs {
		g.Go(func() error {
			st, err := p.RunUntilCandidates(ctx, r.RunID, r.Channel, r.Tone)
			results[i] = BatchResult{RunID: r.RunID, State: st, Err: err}
			if err != nil {
				p.logger.Warn("batch run failed", zap.String("run_id", r.RunID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
