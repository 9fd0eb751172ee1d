package preflight

import (
	"context"

	"cliprun/internal/config"
	"cliprun/internal/stage"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
// pipeline may be nil, in which case stage checks are skipped.
func RunAll(ctx context.Context, cfg *config.Config, pipeline *stage.Pipeline) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	if cfg.Paths.LogDir != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}

	results = append(results, CheckStore(ctx, cfg))
	results = append(results, CheckResultStore(ctx, cfg.ObjectStore))
	results = append(results, CheckWebhook(ctx, cfg.Notifications.WebhookURL))

	if pipeline != nil {
		results = append(results, CheckStages(ctx, pipeline)...)
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
