package workflow

import (
	"context"
	"time"

	"cliprun/internal/stage"
)

const stageHealthTimeout = 5 * time.Second

// stageHealth runs every stage's health check under a shared deadline.
func stageHealth(ctx context.Context, p *stage.Pipeline) []stage.Health {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, stageHealthTimeout)
	defer cancel()
	return stage.CheckAll(ctx, p)
}
