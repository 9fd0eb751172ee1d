package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cliprun/internal/activity"
	"cliprun/internal/approval"
	"cliprun/internal/config"
	"cliprun/internal/logging"
	"cliprun/internal/notifications"
	"cliprun/internal/objectstore"
	"cliprun/internal/runstate"
	"cliprun/internal/services"
	"cliprun/internal/stage"
)

// Dependencies are the collaborators an Orchestrator is built from.
type Dependencies struct {
	Store    runstate.Store
	Pipeline *stage.Pipeline
	Results  objectstore.Store
	// Notifier receives terminal runs; nil disables alerting.
	Notifier notifications.Service
}

// Orchestrator is the pipeline state machine.
type Orchestrator struct {
	store           runstate.Store
	pipeline        *stage.Pipeline
	results         objectstore.Store
	executor        *activity.Executor
	gate            *approval.Gate
	notifier        notifications.Service
	logger          *slog.Logger
	queue           string
	approvalTimeout time.Duration
	newID           func() string

	mu       sync.Mutex
	inflight map[string]*inflight
	alerts   sync.WaitGroup
}

type options struct {
	executor        []activity.Option
	gate            []approval.Option
	approvalTimeout time.Duration
	newID           func() string
}

// Option customizes an Orchestrator.
type Option func(*options)

// WithExecutorOptions passes options through to the activity executor.
func WithExecutorOptions(opts ...activity.Option) Option {
	return func(o *options) { o.executor = append(o.executor, opts...) }
}

// WithGateOptions passes options through to the approval gate.
func WithGateOptions(opts ...approval.Option) Option {
	return func(o *options) { o.gate = append(o.gate, opts...) }
}

// WithApprovalTimeout overrides workflow.approval_timeout.
func WithApprovalTimeout(d time.Duration) Option {
	return func(o *options) { o.approvalTimeout = d }
}

// WithIDGenerator overrides how run IDs are minted.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// New wires an orchestrator from cfg and deps.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator: config is required")
	}
	if deps.Store == nil || deps.Pipeline == nil || deps.Results == nil {
		return nil, errors.New("orchestrator: store, pipeline and results are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &options{
		approvalTimeout: cfg.Workflow.ApprovalTimeoutDuration(),
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}

	orc := &Orchestrator{
		store:           deps.Store,
		pipeline:        deps.Pipeline,
		results:         deps.Results,
		notifier:        deps.Notifier,
		logger:          logging.NewComponentLogger(logger, "orchestrator"),
		queue:           cfg.Store.Queue,
		approvalTimeout: o.approvalTimeout,
		newID:           o.newID,
		inflight:        make(map[string]*inflight),
	}

	execOpts := append([]activity.Option{
		activity.WithGrace(cfg.Workflow.ExecutionGraceDuration()),
		activity.WithHeartbeat(cfg.Workflow.HeartbeatDuration()),
		activity.WithResultPrefix(cfg.ObjectStore.Prefix),
	}, o.executor...)
	orc.executor = activity.NewExecutor(deps.Store, deps.Results, activity.PolicyFromConfig(cfg.Retry), logger, execOpts...)

	gateOpts := append([]approval.Option{
		approval.WithPollInterval(cfg.Workflow.PollDuration()),
		approval.WithTerminalHook(orc.alert),
	}, o.gate...)
	orc.gate = approval.NewGate(deps.Store, deps.Pipeline.Next, logger, gateOpts...)
	return orc, nil
}

// Gate exposes the approval gate, used by the worker pool to expire deadlines.
func (o *Orchestrator) Gate() *approval.Gate { return o.gate }

// Pipeline returns the stage pipeline runs are driven through.
func (o *Orchestrator) Pipeline() *stage.Pipeline { return o.pipeline }

// Queue returns the task queue name recorded on new runs.
func (o *Orchestrator) Queue() string { return o.queue }

// Flush waits for in-flight alerts to be delivered or to fail.
func (o *Orchestrator) Flush() { o.alerts.Wait() }

func (o *Orchestrator) load(ctx context.Context, runID string) (*runstate.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, runstate.ErrNotFound) {
		return nil, services.Wrap(services.ErrNotFound, "", "load run", fmt.Sprintf("run %s does not exist", runID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return run, nil
}

// runContext tags ctx with the run and its current stage for logging.
func runContext(ctx context.Context, run *runstate.Run) context.Context {
	ctx = services.WithRunID(ctx, run.ID)
	if run.CurrentStage != "" {
		ctx = services.WithStage(ctx, run.CurrentStage)
	}
	return ctx
}
