package workflow

import (
	"context"
	"sort"

	"cliprun/internal/logging"
	"cliprun/internal/runstate"
	"cliprun/internal/stage"
)

// ActiveRun is a run a worker of this process is stepping.
type ActiveRun struct {
	RunID    string `json:"run_id"`
	WorkerID string `json:"worker_id"`
}

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool                    `json:"running"`
	Workers     int                     `json:"workers"`
	Queue       string                  `json:"queue"`
	Pipeline    string                  `json:"pipeline"`
	LastError   string                  `json:"last_error,omitempty"`
	LastRun     *runstate.Progress      `json:"last_run,omitempty"`
	Active      []ActiveRun             `json:"active"`
	RunCounts   map[runstate.Status]int `json:"run_counts"`
	StageHealth []stage.Health          `json:"stage_health"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	lastErr := m.lastErr
	lastRun := m.lastRun
	active := make([]ActiveRun, 0, len(m.active))
	for runID, workerID := range m.active {
		active = append(active, ActiveRun{RunID: runID, WorkerID: workerID})
	}
	m.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].WorkerID < active[j].WorkerID })

	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		m.logger.Warn("failed to read run counts", logging.Error(err),
			logging.String(logging.FieldEventType, "status_counts_failed"),
			logging.String(logging.FieldErrorHint, "check run store access"),
			logging.String(logging.FieldImpact, "status omits run counts"),
		)
	}

	summary := StatusSummary{
		Running:     running,
		Workers:     m.workers,
		Queue:       m.orc.Queue(),
		Pipeline:    m.orc.Pipeline().Name(),
		Active:      active,
		RunCounts:   counts,
		StageHealth: stageHealth(ctx, m.orc.Pipeline()),
	}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	if lastRun != nil {
		progress := lastRun.Progress()
		summary.LastRun = &progress
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastRun(run *runstate.Run) {
	m.mu.Lock()
	if run != nil {
		copy := *run
		m.lastRun = &copy
	} else {
		m.lastRun = nil
	}
	m.mu.Unlock()
}

func (m *Manager) setActive(runID, workerID string) {
	m.mu.Lock()
	if workerID == "" {
		delete(m.active, runID)
	} else {
		m.active[runID] = workerID
	}
	m.mu.Unlock()
}
