package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cliprun/internal/logging"
	"cliprun/internal/runstate"
)

var timeAfter = time.After

// HeartbeatMonitor keeps run leases alive and defines when they go stale.
type HeartbeatMonitor struct {
	store    runstate.RunStore
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(store runstate.RunStore, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:    store,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// StartLoop renews workerID's lease on runID until ctx is cancelled. When the
// lease turns out to belong to someone else, lost is called so the caller
// stops stepping the run.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, runID, workerID string, lost func()) {
	defer wg.Done()
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger.With(logging.String("component", "workflow-heartbeat")))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.store.RenewLease(ctx, runID, workerID)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				logger.Debug("heartbeat stopped by shutdown")
				return
			case errors.Is(err, runstate.ErrConflict):
				// Gates and terminal transitions release the lease; a
				// takeover by another worker looks the same from here.
				logger.Debug("lease no longer held")
				if lost != nil {
					lost()
				}
				return
			default:
				logger.Warn("heartbeat update failed", logging.Error(err),
					logging.String(logging.FieldEventType, "lease_heartbeat_failed"),
					logging.String(logging.FieldErrorHint, "check run store access"),
					logging.String(logging.FieldImpact, "run may be reclaimed by another worker"),
				)
			}
		}
	}
}
