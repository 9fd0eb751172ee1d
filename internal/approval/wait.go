package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cliprun/internal/logging"
	"cliprun/internal/runstate"
	"cliprun/internal/services"
)

// Notify wakes every AwaitDecision call blocked on runID.
func (g *Gate) Notify(runID string) {
	g.mu.Lock()
	waiters := g.waiters[runID]
	delete(g.waiters, runID)
	g.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (g *Gate) subscribe(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	g.mu.Lock()
	g.waiters[runID] = append(g.waiters[runID], ch)
	g.mu.Unlock()
	return ch, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		list := g.waiters[runID]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(g.waiters, runID)
		} else {
			g.waiters[runID] = list
		}
	}
}

// AwaitDecision blocks while the run sits at its current decision point. It
// returns the run once a signal or cancellation moves it. When timeout
// elapses first (or, for timeout <= 0, the persisted gate deadline), the run
// is failed with ApprovalTimeoutError and that error is returned. Context
// cancellation returns the context error and leaves the run untouched.
func (g *Gate) AwaitDecision(ctx context.Context, runID string, timeout time.Duration) (*runstate.Run, error) {
	run, err := g.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != runstate.StatusAwaitingApproval {
		return run, nil
	}
	seq := run.GateSeq
	deadline := run.GateDeadline
	if timeout > 0 {
		deadline = g.now().Add(timeout)
	}

	poll := time.NewTicker(g.pollInterval)
	defer poll.Stop()
	for {
		wake, unsubscribe := g.subscribe(runID)
		remaining := deadline.Sub(g.now())
		if deadline.IsZero() {
			remaining = time.Hour
		}
		if !deadline.IsZero() && remaining <= 0 {
			unsubscribe()
			return g.expire(ctx, run)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			unsubscribe()
			return run, ctx.Err()
		case <-wake:
		case <-poll.C:
		case <-timer.C:
		}
		timer.Stop()
		unsubscribe()

		current, err := g.load(ctx, runID)
		if err != nil {
			return run, err
		}
		if current.Status != runstate.StatusAwaitingApproval || current.GateSeq != seq {
			return current, nil
		}
		run = current
	}
}

// ExpireDue fails every run whose approval deadline is at or before now and
// returns how many were expired. A run that cannot be expired is logged and
// skipped; the failures are returned joined once the sweep is done.
func (g *Gate) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := g.store.DueApprovals(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due approvals: %w", err)
	}
	expired := 0
	var errs []error
	for _, run := range due {
		_, err := g.expire(ctx, run)
		if errors.Is(err, services.ErrApprovalTimeout) {
			expired++
			continue
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return expired, errors.Join(append(errs, ctx.Err())...)
		}
		logging.WarnWithContext(logging.WithContext(services.WithRunID(ctx, run.ID), g.logger),
			"failed to expire approval", "approval_expire_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check run store connectivity"),
			logging.String(logging.FieldImpact, "run stays awaiting approval until the next sweep"),
		)
		errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
	}
	return expired, errors.Join(errs...)
}

// expire fails run at its current decision point. A decision that lands
// first wins; the run it produced is returned without error.
func (g *Gate) expire(ctx context.Context, run *runstate.Run) (*runstate.Run, error) {
	reason := services.KindName(services.ErrApprovalTimeout)
	seq := run.GateSeq
	failed, err := runstate.Record(ctx, g.store, runstate.Update{
		RunID:        run.ID,
		From:         []runstate.Status{runstate.StatusAwaitingApproval},
		To:           runstate.StatusFailed,
		GateSeq:      &seq,
		Error:        &reason,
		ReleaseLease: true,
	})
	if errors.Is(err, runstate.ErrConflict) && failed != nil {
		return failed, nil
	}
	if err != nil {
		return run, fmt.Errorf("expire approval: %w", err)
	}
	logging.WarnWithContext(logging.WithContext(services.WithRunID(ctx, run.ID), g.logger),
		"approval deadline passed", "approval_timeout",
		logging.String(logging.FieldStage, failed.CurrentStage),
		logging.Int64("gate_seq", seq),
		logging.String(logging.FieldErrorHint, "start a new run or raise workflow.approval_timeout"),
		logging.String(logging.FieldImpact, "run failed with ApprovalTimeoutError"),
	)
	g.Notify(run.ID)
	if g.onTerminal != nil {
		g.onTerminal(ctx, failed)
	}
	return failed, services.Wrap(services.ErrApprovalTimeout, failed.CurrentStage, "await decision",
		fmt.Sprintf("no decision for run %s before %s", run.ID, run.GateDeadline.Format(time.RFC3339)), nil)
}
