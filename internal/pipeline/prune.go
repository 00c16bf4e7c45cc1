package pipeline

import "context"

// PruneDeps bundles the prune action's dependency: applying the fixed
// retention policy via the Repo.
type PruneDeps struct {
	Repo Repo
}

// Run applies spec.md §3's retention policy (14 daily / 8 weekly / 12
// monthly) by delegating to the Repo's forget+prune.
func (d PruneDeps) Run(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error) {
	if err := d.Repo.Forget(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"pruned": true}, nil
}
