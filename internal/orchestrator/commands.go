package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"cliprun/internal/approval"
	"cliprun/internal/fingerprint"
	"cliprun/internal/logging"
	"cliprun/internal/runstate"
	"cliprun/internal/services"
)

// History is everything recorded about a run.
type History struct {
	Run        *runstate.Run
	Events     []runstate.Event
	Executions []*runstate.StageExecution
}

// StartRun validates input, records a new run and moves it to RUNNING at
// the first stage. Execution happens in the worker pool or through Drive.
func (o *Orchestrator) StartRun(ctx context.Context, input json.RawMessage) (*runstate.Run, error) {
	canonical, hash, err := validateInput(input)
	if err != nil {
		return nil, err
	}
	run := &runstate.Run{
		ID:               o.newID(),
		Queue:            o.queue,
		Status:           runstate.StatusPending,
		CurrentStage:     o.pipeline.First(),
		Input:            canonical,
		InputFingerprint: hash,
		StageAttempt:     1,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	ctx = runContext(ctx, run)
	o.event(ctx, run, runstate.EventRunCreated, "input "+hash[:16])

	started, err := o.transition(ctx, run, runstate.Update{
		RunID: run.ID,
		From:  []runstate.Status{runstate.StatusPending},
		To:    runstate.StatusRunning,
	})
	if err != nil {
		return run, err
	}
	logging.WithContext(ctx, o.logger).Info("run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String("queue", run.Queue),
		logging.String("input_fingerprint", hash),
	)
	return started, nil
}

// validateInput requires a non-empty JSON object and returns its canonical
// form and fingerprint.
func validateInput(input json.RawMessage) (json.RawMessage, string, error) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		return nil, "", services.Wrap(services.ErrInvalidInput, "", "start run", "Run input is empty", nil)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return nil, "", services.Wrap(services.ErrInvalidInput, "", "start run", "Run input must be a JSON object", err)
	}
	if len(fields) == 0 {
		return nil, "", services.Wrap(services.ErrInvalidInput, "", "start run", "Run input is empty", nil)
	}
	canonical, err := fingerprint.Canonical(json.RawMessage(trimmed))
	if err != nil {
		return nil, "", services.Wrap(services.ErrInvalidInput, "", "start run", "Run input is not canonical JSON", err)
	}
	return canonical, fingerprint.Hash(fingerprint.DomainRunInput, canonical), nil
}

// Progress returns the run's status and current stage. It never blocks on
// the run.
func (o *Orchestrator) Progress(ctx context.Context, runID string) (runstate.Progress, error) {
	return o.gate.Progress(ctx, runID)
}

// Approve accepts the current stage of a run awaiting approval.
func (o *Orchestrator) Approve(ctx context.Context, runID string) (approval.Ack, error) {
	return o.gate.Approve(ctx, runID)
}

// Retry re-runs the current stage of a run awaiting approval as a new attempt.
func (o *Orchestrator) Retry(ctx context.Context, runID string) (approval.Ack, error) {
	return o.gate.Retry(ctx, runID)
}

// Cancel fails a non-terminal run with CancelledError. A stage call in
// flight in this process is cancelled first and its execution record
// resolved before the run is failed.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (runstate.Progress, error) {
	run, err := o.load(ctx, runID)
	if err != nil {
		return runstate.Progress{}, err
	}
	ctx = runContext(ctx, run)
	if run.Status.Terminal() {
		return run.Progress(), o.rejectCancel(ctx, run)
	}

	o.mu.Lock()
	f := o.inflight[runID]
	if f != nil {
		f.operator = true
		f.cancel()
	}
	o.mu.Unlock()
	if f != nil {
		select {
		case <-f.done:
		case <-ctx.Done():
			return run.Progress(), ctx.Err()
		}
		if run, err = o.load(ctx, runID); err != nil {
			return runstate.Progress{}, err
		}
	}

	run, err = o.cancelRun(ctx, run)
	if err != nil {
		return run.Progress(), err
	}
	if run.Error != services.KindName(services.ErrCancelled) {
		return run.Progress(), o.rejectCancel(ctx, run)
	}
	return run.Progress(), nil
}

// cancelRun moves run to FAILED with CancelledError unless it is already
// terminal.
func (o *Orchestrator) cancelRun(ctx context.Context, run *runstate.Run) (*runstate.Run, error) {
	reason := services.KindName(services.ErrCancelled)
	for pass := 0; pass < 3 && !run.Status.Terminal(); pass++ {
		from := run.Status
		updated, applied, err := o.apply(ctx, run, runstate.Update{
			RunID: run.ID,
			From:  []runstate.Status{from},
			To:    runstate.StatusFailed,
			Error: &reason,
		})
		if err != nil {
			return run, err
		}
		run = updated
		if !applied {
			continue
		}
		o.event(ctx, run, runstate.EventSignalAccepted, fmt.Sprintf("%s in %s", runstate.SignalCancel, from))
		logging.WarnWithContext(logging.WithContext(ctx, o.logger), "run cancelled", "run_cancelled",
			logging.String("previous_status", string(from)),
			logging.String(logging.FieldErrorHint, "start a new run to process this input again"),
			logging.String(logging.FieldImpact, "run failed with CancelledError"),
		)
		o.gate.Notify(run.ID)
		o.alert(ctx, run)
		return run, nil
	}
	return run, nil
}

func (o *Orchestrator) rejectCancel(ctx context.Context, run *runstate.Run) error {
	o.event(ctx, run, runstate.EventSignalRejected, fmt.Sprintf("%s rejected in %s", runstate.SignalCancel, run.Status))
	return services.Wrap(services.ErrInvalidState, run.CurrentStage, string(runstate.SignalCancel),
		fmt.Sprintf("run %s is already %s", run.ID, run.Status), nil)
}

// ListRuns returns runs newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, filter runstate.ListFilter) ([]*runstate.Run, error) {
	return o.store.ListRuns(ctx, filter)
}

// History returns the run with its event log and stage execution records.
func (o *Orchestrator) History(ctx context.Context, runID string) (History, error) {
	run, err := o.load(ctx, runID)
	if err != nil {
		return History{}, err
	}
	events, err := o.store.ListEvents(ctx, runID)
	if err != nil {
		return History{}, fmt.Errorf("list events: %w", err)
	}
	execs, err := o.store.ListExecutions(ctx, runID)
	if err != nil {
		return History{}, fmt.Errorf("list executions: %w", err)
	}
	return History{Run: run, Events: events, Executions: execs}, nil
}

// Counts returns the number of runs per status.
func (o *Orchestrator) Counts(ctx context.Context) (map[runstate.Status]int, error) {
	return o.store.CountByStatus(ctx)
}
