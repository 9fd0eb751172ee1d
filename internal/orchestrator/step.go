package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cliprun/internal/logging"
	"cliprun/internal/runstate"
	"cliprun/internal/services"
	"cliprun/internal/stage"
)

// Step performs one unit of work on a run and returns the run as it stands
// afterwards. A PENDING run is started; a RUNNING or RETRYING run has its
// current stage executed and is moved on. Suspended and terminal runs are
// returned unchanged. When another writer moved the run first, Step returns
// the run that writer produced.
func (o *Orchestrator) Step(ctx context.Context, runID string) (*runstate.Run, error) {
	run, err := o.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case runstate.StatusPending:
		return o.transition(ctx, run, runstate.Update{
			RunID: run.ID,
			From:  []runstate.Status{runstate.StatusPending},
			To:    runstate.StatusRunning,
		})
	case runstate.StatusRunning, runstate.StatusRetrying:
		return o.executeCurrent(ctx, run)
	default:
		return run, nil
	}
}

// Advance steps a run until it suspends at an approval gate or terminates.
func (o *Orchestrator) Advance(ctx context.Context, runID string) (*runstate.Run, error) {
	for {
		run, err := o.Step(ctx, runID)
		if err != nil {
			return run, err
		}
		if run.Status.Terminal() || run.Status == runstate.StatusAwaitingApproval {
			return run, nil
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}
	}
}

// Drive runs a run to a terminal state in the calling goroutine, blocking at
// approval gates until a signal arrives or the gate deadline passes. An
// approval timeout is an outcome, not an error: the FAILED run is returned.
func (o *Orchestrator) Drive(ctx context.Context, runID string) (*runstate.Run, error) {
	for {
		run, err := o.Advance(ctx, runID)
		if err != nil {
			return run, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		run, err = o.gate.AwaitDecision(ctx, runID, 0)
		if errors.Is(err, services.ErrApprovalTimeout) {
			return run, nil
		}
		if err != nil {
			return run, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
	}
}

func (o *Orchestrator) executeCurrent(ctx context.Context, run *runstate.Run) (*runstate.Run, error) {
	ctx = runContext(ctx, run)
	if run.CurrentStage == "" {
		return o.complete(ctx, run)
	}
	st, ok := o.pipeline.Lookup(run.CurrentStage)
	if !ok {
		return o.fail(ctx, run, services.Wrap(services.ErrStageExecution, run.CurrentStage, "lookup stage",
			fmt.Sprintf("stage is not defined in pipeline %s", o.pipeline.Name()), nil))
	}
	in, err := o.stageInput(ctx, run, st)
	if err != nil {
		if errors.Is(err, services.ErrStageExecution) {
			return o.fail(ctx, run, err)
		}
		return run, err
	}

	execCtx, finish := o.track(ctx, run.ID)
	started := time.Now()
	out, execErr := o.executor.Execute(execCtx, st, in)
	operatorCancel := finish()

	logger := logging.WithContext(ctx, o.logger)
	if operatorCancel {
		return o.cancelRun(context.WithoutCancel(ctx), run)
	}
	if execErr != nil {
		if errors.Is(execErr, services.ErrCancelled) {
			logger.Info("stage interrupted by shutdown", logging.Int("stage_attempt", run.StageAttempt))
			return run, execErr
		}
		return o.fail(ctx, run, execErr)
	}

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("stage_attempt", run.StageAttempt),
		logging.Int("tries", out.Tries),
		logging.Bool("cached", out.Cached),
		logging.String("result_ref", out.Ref),
		logging.Duration("stage_duration", time.Since(started)),
	)
	return o.stageDone(ctx, run, st)
}

// stageInput assembles the input for st: the run payload plus the latest
// successful result of every earlier stage.
func (o *Orchestrator) stageInput(ctx context.Context, run *runstate.Run, st stage.Stage) (stage.Input, error) {
	in := stage.Input{
		RunID:   run.ID,
		StageID: st.ID,
		Attempt: run.StageAttempt,
		Payload: run.Input,
	}
	before := o.pipeline.Before(st.ID)
	if len(before) == 0 {
		return in, nil
	}
	records, err := o.store.ListExecutions(ctx, run.ID)
	if err != nil {
		return in, fmt.Errorf("list executions: %w", err)
	}
	latest := make(map[string]*runstate.StageExecution, len(before))
	for _, rec := range records {
		if rec.Outcome != runstate.OutcomeSucceeded {
			continue
		}
		if cur, ok := latest[rec.StageID]; !ok || rec.Attempt > cur.Attempt {
			latest[rec.StageID] = rec
		}
	}

	in.Upstream = make(map[string]stage.Upstream, len(before))
	for _, id := range before {
		rec, ok := latest[id]
		if !ok {
			return in, services.Wrap(services.ErrStageExecution, st.ID, "assemble input",
				fmt.Sprintf("upstream stage %s has no successful result", id), nil)
		}
		data, err := o.results.Get(ctx, rec.ResultRef)
		if err != nil {
			return in, services.Wrap(services.ErrStageExecution, st.ID, "assemble input",
				fmt.Sprintf("load result of %s", id), err)
		}
		in.Upstream[id] = stage.Upstream{Ref: rec.ResultRef, Data: data}
	}
	return in, nil
}

// stageDone moves the run past a stage that succeeded.
func (o *Orchestrator) stageDone(ctx context.Context, run *runstate.Run, st stage.Stage) (*runstate.Run, error) {
	if st.RequiresApproval {
		opened, err := o.gate.Open(ctx, run, o.approvalTimeout)
		if errors.Is(err, runstate.ErrConflict) && opened != nil {
			return opened, nil
		}
		return opened, err
	}
	next, ok := o.pipeline.Next(st.ID)
	if !ok {
		return o.complete(ctx, run)
	}
	attempt := 1
	return o.transition(ctx, run, runstate.Update{
		RunID:        run.ID,
		From:         []runstate.Status{run.Status},
		To:           runstate.StatusRunning,
		CurrentStage: &next,
		StageAttempt: &attempt,
	})
}

func (o *Orchestrator) complete(ctx context.Context, run *runstate.Run) (*runstate.Run, error) {
	done, applied, err := o.apply(ctx, run, runstate.Update{
		RunID: run.ID,
		From:  []runstate.Status{run.Status},
		To:    runstate.StatusCompleted,
	})
	if err != nil || !applied {
		return done, err
	}
	logging.WithContext(ctx, o.logger).Info("run completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Duration("run_duration", done.UpdatedAt.Sub(done.CreatedAt)),
	)
	o.alert(ctx, done)
	return done, nil
}

// fail records cause on the run and moves it to FAILED.
func (o *Orchestrator) fail(ctx context.Context, run *runstate.Run, cause error) (*runstate.Run, error) {
	reason := services.FailureMessage(cause)
	failed, applied, err := o.apply(ctx, run, runstate.Update{
		RunID: run.ID,
		From:  []runstate.Status{run.Status},
		To:    runstate.StatusFailed,
		Error: &reason,
	})
	if err != nil || !applied {
		return failed, err
	}
	logging.ErrorWithContext(logging.WithContext(ctx, o.logger), "run failed", "run_failed",
		logging.Alert("stage_failure"),
		logging.String("error_kind", services.KindName(cause)),
		logging.String("error_message", reason),
		logging.Int("stage_attempt", run.StageAttempt),
		logging.String(logging.FieldErrorHint, "inspect `cliprun history` for the failing stage, then start a new run"),
		logging.String(logging.FieldImpact, "run will not progress further"),
	)
	o.alert(ctx, failed)
	return failed, nil
}

func (o *Orchestrator) transition(ctx context.Context, run *runstate.Run, u runstate.Update) (*runstate.Run, error) {
	updated, _, err := o.apply(ctx, run, u)
	return updated, err
}

// apply records u and treats a lost compare-and-set as a benign race: the
// winner's run is returned with applied false.
func (o *Orchestrator) apply(ctx context.Context, run *runstate.Run, u runstate.Update) (*runstate.Run, bool, error) {
	if u.To.Terminal() {
		u.ReleaseLease = true
	}
	updated, err := runstate.Record(ctx, o.store, u)
	if errors.Is(err, runstate.ErrConflict) && updated != nil {
		logging.WithContext(ctx, o.logger).Debug("run moved concurrently",
			logging.String("expected", string(run.Status)),
			logging.String("actual", string(updated.Status)),
		)
		return updated, false, nil
	}
	if err != nil {
		return run, false, fmt.Errorf("transition run %s to %s: %w", run.ID, u.To, err)
	}
	return updated, true, nil
}

func (o *Orchestrator) event(ctx context.Context, run *runstate.Run, kind runstate.EventKind, detail string) {
	if _, err := o.store.AppendEvent(context.WithoutCancel(ctx), runstate.Event{
		RunID:   run.ID,
		Kind:    kind,
		StageID: run.CurrentStage,
		Detail:  detail,
	}); err != nil {
		logging.WithContext(ctx, o.logger).Debug("append event failed", logging.String("kind", string(kind)), logging.Error(err))
	}
}
