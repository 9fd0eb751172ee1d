package orchestrator

import (
	"context"
	"time"

	"cliprun/internal/logging"
	"cliprun/internal/notifications"
	"cliprun/internal/runstate"
)

// inflight is a stage call running in this process.
type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
	// operator is set under Orchestrator.mu when Cancel asked for the stop.
	operator bool
}

// track registers a cancellable context for runID's stage call. The
// returned func unregisters it and reports whether an operator cancelled
// the run meanwhile.
func (o *Orchestrator) track(ctx context.Context, runID string) (context.Context, func() bool) {
	execCtx, cancel := context.WithCancel(ctx)
	f := &inflight{cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.inflight[runID] = f
	o.mu.Unlock()

	return execCtx, func() bool {
		o.mu.Lock()
		if o.inflight[runID] == f {
			delete(o.inflight, runID)
		}
		operator := f.operator
		o.mu.Unlock()
		cancel()
		close(f.done)
		return operator
	}
}

// InFlight reports how many stage calls this process is running.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// alert delivers a terminal run to the notifier without blocking the
// caller. Delivery failures are logged and appended to the run history.
func (o *Orchestrator) alert(ctx context.Context, run *runstate.Run) {
	if o.notifier == nil || run == nil || !run.Status.Terminal() {
		return
	}
	notice := notifications.Notice{
		RunID:  run.ID,
		Queue:  run.Queue,
		Status: string(run.Status),
		Stage:  run.CurrentStage,
		Error:  run.Error,
		At:     run.UpdatedAt,
	}
	detached := context.WithoutCancel(ctx)
	o.alerts.Add(1)
	go func() {
		defer o.alerts.Done()
		sendCtx, cancel := context.WithTimeout(detached, time.Minute)
		defer cancel()
		if err := o.notifier.NotifyRunFinished(sendCtx, notice); err != nil {
			logging.WarnWithContext(logging.WithContext(detached, o.logger), "run notification failed", "notify_failed",
				logging.String("status", notice.Status),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.webhook_url"),
				logging.String(logging.FieldImpact, "no alert was delivered for this run"),
			)
			o.event(detached, run, runstate.EventNotifyFailed, err.Error())
		}
	}()
}
