package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/edvin/rollout/internal/model"
)

// DeployAll runs independent deployments concurrently. Requests for the
// same host still run one at a time. Results are returned in request order.
func (e *Engine) DeployAll(ctx context.Context, reqs []DeployRequest) []*model.DeploymentResult {
	results := make([]*model.DeploymentResult, len(reqs))

	var g errgroup.Group
	if e.opts.MaxParallel > 0 {
		g.SetLimit(e.opts.MaxParallel)
	}
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = e.Execute(ctx, req)
			return nil
		})
	}
	g.Wait()
	return results
}
