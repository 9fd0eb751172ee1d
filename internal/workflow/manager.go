package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"cliprun/internal/config"
	"cliprun/internal/logging"
	"cliprun/internal/orchestrator"
	"cliprun/internal/runstate"
)

// Manager runs the worker pool.
type Manager struct {
	cfg          *config.Config
	store        runstate.RunStore
	orc          *orchestrator.Orchestrator
	logger       *slog.Logger
	pollInterval time.Duration
	workers      int
	workerPrefix string
	now          func() time.Time

	heartbeat *HeartbeatMonitor
	wake      chan struct{}

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
	lastRun *runstate.Run
	active  map[string]string
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithPollInterval overrides workflow.poll_interval.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.pollInterval = d }
}

// WithLeaseTiming overrides the lease heartbeat interval and the age after
// which a lease is considered abandoned.
func WithLeaseTiming(interval, timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.heartbeat.interval = interval
		m.heartbeat.timeout = timeout
	}
}

// WithWorkerPrefix sets the prefix of worker IDs recorded on leases.
func WithWorkerPrefix(prefix string) ManagerOption {
	return func(m *Manager) { m.workerPrefix = prefix }
}

// NewManager constructs a new worker pool over store and orc.
func NewManager(cfg *config.Config, store runstate.RunStore, orc *orchestrator.Orchestrator, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "workflow")
	workers := cfg.Workflow.Workers
	if workers <= 0 {
		workers = 1
	}
	m := &Manager{
		cfg:          cfg,
		store:        store,
		orc:          orc,
		logger:       logger,
		pollInterval: cfg.Workflow.PollDuration(),
		workers:      workers,
		workerPrefix: defaultWorkerPrefix(),
		now:          time.Now,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			cfg.Workflow.HeartbeatDuration(),
			cfg.Workflow.HeartbeatTimeoutDuration(),
		),
		wake:   make(chan struct{}, workers),
		active: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pollInterval <= 0 {
		m.pollInterval = time.Second
	}
	return m
}

func defaultWorkerPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Wake nudges idle workers to look for runs before their next poll.
func (m *Manager) Wake() {
	for range m.workers {
		select {
		case m.wake <- struct{}{}:
		default:
			return
		}
	}
}
