package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"cliprun/internal/approval"
	"cliprun/internal/config"
	"cliprun/internal/logging"
	"cliprun/internal/notifications"
	"cliprun/internal/objectstore"
	"cliprun/internal/orchestrator"
	"cliprun/internal/runstate"
	"cliprun/internal/workflow"
)

// Store is the run store as the daemon sees it.
type Store interface {
	runstate.Store
	Driver() string
	Location() string
	SchemaVersion(ctx context.Context) (string, error)
}

// Dependencies are the collaborators a Daemon coordinates.
type Dependencies struct {
	Store        Store
	Results      objectstore.Store
	Orchestrator *orchestrator.Orchestrator
	Workflow     *workflow.Manager
	// Notifier is used for test notifications; nil builds one from config.
	Notifier notifications.Service
}

// Daemon coordinates the background processing services and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    Store
	results  objectstore.Store
	orc      *orchestrator.Orchestrator
	workflow *workflow.Manager
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool                   `json:"running"`
	PID           int                    `json:"pid"`
	Workflow      workflow.StatusSummary `json:"workflow"`
	StoreDriver   string                 `json:"store_driver"`
	StoreLocation string                 `json:"store_location"`
	SchemaVersion string                 `json:"schema_version,omitempty"`
	ResultStore   string                 `json:"result_store"`
	LockFilePath  string                 `json:"lock_file"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Results == nil || deps.Orchestrator == nil || deps.Workflow == nil {
		return nil, errors.New("daemon requires config, store, results, orchestrator, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    deps.Store,
		results:  deps.Results,
		orc:      deps.Orchestrator,
		workflow: deps.Workflow,
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start launches the workflow manager and acquires the daemon lock.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another cliprun daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.workflow.Start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start workflow: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("cliprun daemon started",
		logging.String("lock", d.lockPath),
		logging.String("store", d.store.Driver()),
		logging.String("queue", d.orc.Queue()),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	d.orc.Flush()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "lock_release_failed"),
			logging.String(logging.FieldErrorHint, "remove the lock file if no daemon is running"),
			logging.String(logging.FieldImpact, "next start may report another instance"),
		)
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("cliprun daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// StartRun creates a run and wakes the worker pool.
func (d *Daemon) StartRun(ctx context.Context, input json.RawMessage) (*runstate.Run, error) {
	run, err := d.orc.StartRun(ctx, input)
	if err != nil {
		return nil, err
	}
	d.workflow.Wake()
	return run, nil
}

// Progress returns the progress snapshot of a run.
func (d *Daemon) Progress(ctx context.Context, runID string) (runstate.Progress, error) {
	return d.orc.Progress(ctx, runID)
}

// Approve delivers an approve signal.
func (d *Daemon) Approve(ctx context.Context, runID string) (approval.Ack, error) {
	ack, err := d.orc.Approve(ctx, runID)
	if err == nil && !ack.Duplicate {
		d.workflow.Wake()
	}
	return ack, err
}

// Retry delivers a retry signal.
func (d *Daemon) Retry(ctx context.Context, runID string) (approval.Ack, error) {
	ack, err := d.orc.Retry(ctx, runID)
	if err == nil && !ack.Duplicate {
		d.workflow.Wake()
	}
	return ack, err
}

// Cancel stops a run, interrupting its in-flight stage when this process holds it.
func (d *Daemon) Cancel(ctx context.Context, runID string) (runstate.Progress, error) {
	return d.orc.Cancel(ctx, runID)
}

// ListRuns returns runs filtered by optional statuses.
func (d *Daemon) ListRuns(ctx context.Context, statuses []runstate.Status, limit int) ([]*runstate.Run, error) {
	return d.orc.ListRuns(ctx, runstate.ListFilter{Statuses: statuses, Limit: limit})
}

// History returns the event log and stage records of a run.
func (d *Daemon) History(ctx context.Context, runID string) (orchestrator.History, error) {
	return d.orc.History(ctx, runID)
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if d.cfg.Notifications.WebhookURL == "" {
		return false, "webhook url not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		Workflow:      d.workflow.Status(ctx),
		StoreDriver:   d.store.Driver(),
		StoreLocation: d.store.Location(),
		ResultStore:   d.results.Describe(),
		LockFilePath:  d.lockPath,
	}
	if version, err := d.store.SchemaVersion(ctx); err == nil {
		status.SchemaVersion = version
	} else {
		d.logger.Debug("schema version unavailable", logging.Error(err))
	}
	return status
}
