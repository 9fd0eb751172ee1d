package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cliprun/internal/logging"
	"cliprun/internal/runstate"
	"cliprun/internal/services"
)

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.orc == nil || m.store == nil {
		m.mu.Unlock()
		return errors.New("workflow orchestrator not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(m.workers + 1)
	m.mu.Unlock()

	go m.runDispatcher(runCtx)
	for i := range m.workers {
		go m.runWorker(runCtx, fmt.Sprintf("%s-w%d", m.workerPrefix, i))
	}
	m.logger.Info("workflow started",
		logging.Int("workers", m.workers),
		logging.Duration("poll_interval", m.pollInterval),
		logging.String("queue", m.orc.Queue()),
	)
	return nil
}

// Stop terminates background processing and waits for completion. Runs
// being stepped are interrupted and left for the next claim.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// runDispatcher enforces approval deadlines for runs no caller is blocked on.
func (m *Manager) runDispatcher(ctx context.Context) {
	defer m.wg.Done()
	for {
		expired, err := m.orc.Gate().ExpireDue(ctx, m.now())
		if err != nil && ctx.Err() == nil {
			m.setLastError(err)
			logging.WarnWithContext(m.logger, "approval deadline sweep failed", "approval_sweep_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check run store access"),
				logging.String(logging.FieldImpact, "overdue approvals stay open until the next sweep"),
			)
		}
		if expired > 0 {
			m.logger.Info("approval deadlines expired", logging.Int("count", expired))
		}
		select {
		case <-ctx.Done():
			return
		case <-timeAfter(m.pollInterval):
		}
	}
}

func (m *Manager) runWorker(ctx context.Context, workerID string) {
	defer m.wg.Done()
	ctx = services.WithWorker(ctx, workerID)
	logger := logging.WithContext(ctx, m.logger)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		run, err := m.store.ClaimRun(ctx, workerID, m.now().Add(-m.heartbeat.timeout))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setLastError(err)
			logging.ErrorWithContext(logger, "failed to claim run", "run_claim_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check run store access"),
			)
			m.waitForWork(ctx)
			continue
		}
		if run == nil {
			m.waitForWork(ctx)
			continue
		}

		if err := m.processRun(ctx, logger, workerID, run); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			m.waitForWork(ctx)
		}
	}
}

// processRun advances a leased run until it suspends or terminates.
func (m *Manager) processRun(ctx context.Context, logger *slog.Logger, workerID string, run *runstate.Run) error {
	ctx = services.WithRunID(ctx, run.ID)
	logger = logger.With(logging.String(logging.FieldRunID, run.ID))
	m.setActive(run.ID, workerID)
	defer m.setActive(run.ID, "")

	logger.Info("run claimed",
		logging.String(logging.FieldEventType, "run_claimed"),
		logging.String("status", string(run.Status)),
		logging.String(logging.FieldStage, run.CurrentStage),
	)

	stepCtx, cancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(stepCtx, &hbWG, run.ID, workerID, cancel)

	result, err := m.orc.Advance(stepCtx, run.ID)
	cancel()
	hbWG.Wait()

	if releaseErr := m.store.ReleaseLease(context.WithoutCancel(ctx), run.ID, workerID); releaseErr != nil {
		logger.Warn("lease release failed; run is reclaimed after the heartbeat timeout",
			logging.Error(releaseErr),
			logging.String(logging.FieldEventType, "lease_release_failed"),
			logging.String(logging.FieldErrorHint, "check run store access"),
			logging.String(logging.FieldImpact, "run waits for its lease to go stale"),
		)
	}
	if result != nil {
		m.setLastRun(result)
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("run interrupted by shutdown")
			return err
		}
		m.setLastError(err)
		logging.ErrorWithContext(logger, "run step failed", "run_step_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the run is retried on the next claim; check run store access"),
		)
		return err
	}
	logger.Info("run released",
		logging.String(logging.FieldEventType, "run_released"),
		logging.String("status", string(result.Status)),
		logging.String(logging.FieldStage, result.CurrentStage),
	)
	return nil
}

func (m *Manager) waitForWork(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-m.wake:
	case <-timeAfter(m.pollInterval):
	}
}
