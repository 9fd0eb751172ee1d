package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cliprun/internal/logging"
	"cliprun/internal/runstate"
	"cliprun/internal/services"
)

// NextStageFunc returns the stage after id, with ok false for the last stage.
type NextStageFunc func(id string) (next string, ok bool)

// Ack is returned for an accepted signal.
type Ack struct {
	RunID  string          `json:"run_id"`
	Signal runstate.Signal `json:"signal"`
	// Duplicate is true when the signal repeated the decision already taken.
	Duplicate bool              `json:"duplicate"`
	Progress  runstate.Progress `json:"progress"`
}

// Gate applies operator decisions and enforces approval deadlines.
type Gate struct {
	store        runstate.Journal
	next         NextStageFunc
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time
	onTerminal   func(context.Context, *runstate.Run)

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// Option customizes a Gate.
type Option func(*Gate)

// WithPollInterval sets how often AwaitDecision rereads the store.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) { g.pollInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithTerminalHook registers fn to run after the gate fails a run on timeout.
func WithTerminalHook(fn func(context.Context, *runstate.Run)) Option {
	return func(g *Gate) { g.onTerminal = fn }
}

// NewGate constructs a gate over store.
func NewGate(store runstate.Journal, next NextStageFunc, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		store:        store,
		next:         next,
		logger:       logging.NewComponentLogger(logger, "approval"),
		pollInterval: time.Second,
		now:          time.Now,
		waiters:      make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open moves a RUNNING or RETRYING run into AWAITING_APPROVAL at a new
// decision point with a deadline timeout from now.
func (g *Gate) Open(ctx context.Context, run *runstate.Run, timeout time.Duration) (*runstate.Run, error) {
	updated, err := runstate.Record(ctx, g.store, runstate.Update{
		RunID:        run.ID,
		From:         []runstate.Status{runstate.StatusRunning, runstate.StatusRetrying},
		To:           runstate.StatusAwaitingApproval,
		OpenGate:     g.now().Add(timeout),
		ReleaseLease: true,
	})
	if err != nil {
		return updated, err
	}
	logging.WithContext(services.WithRunID(ctx, run.ID), g.logger).Info("awaiting approval",
		logging.String(logging.FieldStage, updated.CurrentStage),
		logging.Int64("gate_seq", updated.GateSeq),
		logging.Time("deadline", updated.GateDeadline),
	)
	return updated, nil
}

// Approve resolves the current decision point by moving to the next stage.
// Approving the last stage leaves the run RUNNING with no current stage so
// the next step completes it.
func (g *Gate) Approve(ctx context.Context, runID string) (Ack, error) {
	return g.signal(ctx, runID, runstate.SignalApprove)
}

// Retry resolves the current decision point by re-running the stage as a
// new attempt.
func (g *Gate) Retry(ctx context.Context, runID string) (Ack, error) {
	return g.signal(ctx, runID, runstate.SignalRetry)
}

// Progress returns the run's read-only progress view.
func (g *Gate) Progress(ctx context.Context, runID string) (runstate.Progress, error) {
	run, err := g.load(ctx, runID)
	if err != nil {
		return runstate.Progress{}, err
	}
	return run.Progress(), nil
}

func (g *Gate) load(ctx context.Context, runID string) (*runstate.Run, error) {
	run, err := g.store.GetRun(ctx, runID)
	if errors.Is(err, runstate.ErrNotFound) {
		return nil, services.Wrap(services.ErrNotFound, "", "load run", fmt.Sprintf("run %s does not exist", runID), nil)
	}
	return run, err
}

func (g *Gate) signal(ctx context.Context, runID string, sig runstate.Signal) (Ack, error) {
	ctx = services.WithRunID(ctx, runID)
	logger := logging.WithContext(ctx, g.logger)
	run, err := g.load(ctx, runID)
	if err != nil {
		return Ack{}, err
	}

	// A conflicting write means the run moved between read and write; the
	// second pass classifies the signal against the state that won.
	for pass := 0; pass < 2; pass++ {
		if run.Status != runstate.StatusAwaitingApproval {
			if isDuplicate(run, sig) {
				g.event(ctx, run, runstate.EventSignalAccepted, fmt.Sprintf("%s duplicate for gate %d", sig, run.GateSeq))
				logger.Info("duplicate signal acknowledged", logging.String("signal", string(sig)), logging.Int64("gate_seq", run.GateSeq))
				return Ack{RunID: runID, Signal: sig, Duplicate: true, Progress: run.Progress()}, nil
			}
			return Ack{}, g.reject(ctx, logger, run, sig)
		}

		update := runstate.Update{
			RunID:    runID,
			From:     []runstate.Status{runstate.StatusAwaitingApproval},
			GateSeq:  &run.GateSeq,
			Decision: sig,
		}
		switch sig {
		case runstate.SignalApprove:
			next, _ := g.next(run.CurrentStage)
			update.To = runstate.StatusRunning
			update.CurrentStage = &next
			attempt := 1
			update.StageAttempt = &attempt
		case runstate.SignalRetry:
			update.To = runstate.StatusRetrying
			attempt := run.StageAttempt + 1
			update.StageAttempt = &attempt
		default:
			return Ack{}, services.Wrap(services.ErrInvalidInput, "", "signal", fmt.Sprintf("unsupported signal %q", sig), nil)
		}

		updated, err := runstate.Record(ctx, g.store, update)
		if errors.Is(err, runstate.ErrConflict) && updated != nil {
			run = updated
			continue
		}
		if err != nil {
			return Ack{}, fmt.Errorf("apply %s: %w", sig, err)
		}
		g.event(ctx, updated, runstate.EventSignalAccepted, fmt.Sprintf("%s gate %d", sig, run.GateSeq))
		logger.Info("signal accepted",
			logging.String("signal", string(sig)),
			logging.Int64("gate_seq", run.GateSeq),
			logging.String(logging.FieldStage, run.CurrentStage),
			logging.String("next_stage", updated.CurrentStage),
			logging.Int("stage_attempt", updated.StageAttempt),
		)
		g.Notify(runID)
		return Ack{RunID: runID, Signal: sig, Progress: updated.Progress()}, nil
	}
	return Ack{}, g.reject(ctx, logger, run, sig)
}

// isDuplicate reports whether sig repeats the decision that resolved the
// run's latest decision point.
func isDuplicate(run *runstate.Run, sig runstate.Signal) bool {
	return run.GateSeq > 0 && run.LastDecision == sig && run.LastDecisionSeq == run.GateSeq
}

func (g *Gate) reject(ctx context.Context, logger *slog.Logger, run *runstate.Run, sig runstate.Signal) error {
	g.event(ctx, run, runstate.EventSignalRejected, fmt.Sprintf("%s rejected in %s", sig, run.Status))
	logger.Info("signal rejected",
		logging.String("signal", string(sig)),
		logging.String("status", string(run.Status)),
	)
	return services.Wrap(services.ErrInvalidState, run.CurrentStage, string(sig),
		fmt.Sprintf("run %s is %s, not %s", run.ID, run.Status, runstate.StatusAwaitingApproval), nil)
}

func (g *Gate) event(ctx context.Context, run *runstate.Run, kind runstate.EventKind, detail string) {
	if _, err := g.store.AppendEvent(context.WithoutCancel(ctx), runstate.Event{
		RunID:   run.ID,
		Kind:    kind,
		StageID: run.CurrentStage,
		Detail:  detail,
	}); err != nil {
		g.logger.Debug("append event failed", logging.String(logging.FieldRunID, run.ID), logging.Error(err))
	}
}
