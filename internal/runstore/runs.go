package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cliprun/internal/runstate"
)

const runColumns = `run_id, queue, status, current_stage, input, input_fingerprint, error,
	stage_attempt, gate_seq, gate_deadline, last_decision, last_decision_seq,
	worker_id, heartbeat_at, created_at, updated_at`

// monotonicUpdatedAt keeps updated_at from moving backwards when clocks
// disagree between daemons.
const monotonicUpdatedAt = "updated_at = CASE WHEN updated_at > ? THEN updated_at ELSE ? END"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*runstate.Run, error) {
	var (
		run          runstate.Run
		status       string
		input        string
		errMsg       sql.NullString
		gateDeadline sql.NullInt64
		lastDecision sql.NullString
		workerID     sql.NullString
		heartbeatAt  sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(
		&run.ID,
		&run.Queue,
		&status,
		&run.CurrentStage,
		&input,
		&run.InputFingerprint,
		&errMsg,
		&run.StageAttempt,
		&run.GateSeq,
		&gateDeadline,
		&lastDecision,
		&run.LastDecisionSeq,
		&workerID,
		&heartbeatAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	run.Status = runstate.Status(status)
	run.Input = []byte(input)
	run.Error = errMsg.String
	run.GateDeadline = fromNullMillis(gateDeadline)
	run.LastDecision = runstate.Signal(lastDecision.String)
	run.WorkerID = workerID.String
	run.HeartbeatAt = fromNullMillis(heartbeatAt)
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return &run, nil
}

// CreateRun inserts a new run. Missing timestamps, status and attempt are
// filled in on the passed value.
func (s *Store) CreateRun(ctx context.Context, run *runstate.Run) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return errors.New("create run: run id is required")
	}
	now := s.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	if run.Status == "" {
		run.Status = runstate.StatusPending
	}
	if run.StageAttempt <= 0 {
		run.StageAttempt = 1
	}
	_, err := s.exec(ctx, `INSERT INTO pipeline_runs (
		run_id, queue, status, current_stage, input, input_fingerprint,
		stage_attempt, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Queue,
		string(run.Status),
		run.CurrentStage,
		string(run.Input),
		run.InputFingerprint,
		run.StageAttempt,
		millis(run.CreatedAt),
		millis(run.UpdatedAt),
	)
	if err != nil {
		if s.dialect.uniqueViolation(err) {
			return fmt.Errorf("create run %s: %w", run.ID, runstate.ErrRunExists)
		}
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*runstate.Run, error) {
	var run *runstate.Run
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var scanErr error
		run, scanErr = scanRun(row)
		return scanErr
	}, "SELECT "+runColumns+" FROM pipeline_runs WHERE run_id = ?", runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, runstate.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter runstate.ListFilter) ([]*runstate.Run, error) {
	query := "SELECT " + runColumns + " FROM pipeline_runs"
	args := make([]any, 0, len(filter.Statuses)+1)
	if len(filter.Statuses) > 0 {
		query += " WHERE status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY created_at DESC, run_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.collectRuns(ctx, query, args...)
}

func (s *Store) collectRuns(ctx context.Context, query string, args ...any) ([]*runstate.Run, error) {
	var runs []*runstate.Run
	err := s.queryRows(ctx, func(rows *sql.Rows) error {
		run, err := scanRun(rows)
		if err != nil {
			return err
		}
		runs = append(runs, run)
		return nil
	}, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Transition applies a compare-and-set status change.
func (s *Store) Transition(ctx context.Context, u runstate.Update) (*runstate.Run, error) {
	if strings.TrimSpace(u.RunID) == "" {
		return nil, errors.New("transition: run id is required")
	}
	if len(u.From) == 0 {
		return nil, errors.New("transition: at least one source status is required")
	}
	for _, from := range u.From {
		if !runstate.CanTransition(from, u.To) {
			return nil, fmt.Errorf("transition %s -> %s: %w", from, u.To, runstate.ErrIllegalTransition)
		}
	}

	now := s.nowMillis()
	sets := []string{"status = ?", monotonicUpdatedAt}
	args := []any{string(u.To), now, now}

	if u.CurrentStage != nil {
		sets = append(sets, "current_stage = ?")
		args = append(args, *u.CurrentStage)
	}
	if u.StageAttempt != nil {
		sets = append(sets, "stage_attempt = ?")
		args = append(args, *u.StageAttempt)
	}
	switch {
	case u.To != runstate.StatusFailed:
		sets = append(sets, "error = NULL")
	case u.Error != nil:
		sets = append(sets, "error = ?")
		args = append(args, nullString(*u.Error))
	}
	if !u.OpenGate.IsZero() {
		sets = append(sets, "gate_seq = gate_seq + 1", "gate_deadline = ?")
		args = append(args, millis(u.OpenGate))
	} else if u.To != runstate.StatusAwaitingApproval {
		sets = append(sets, "gate_deadline = NULL")
	}
	if u.Decision != "" {
		sets = append(sets, "last_decision = ?", "last_decision_seq = gate_seq")
		args = append(args, string(u.Decision))
	}
	if u.ReleaseLease || u.To.Terminal() {
		sets = append(sets, "worker_id = NULL", "heartbeat_at = NULL")
	}

	query := "UPDATE pipeline_runs SET " + strings.Join(sets, ", ") +
		" WHERE run_id = ? AND status IN (" + placeholders(len(u.From)) + ")"
	args = append(args, u.RunID)
	for _, from := range u.From {
		args = append(args, string(from))
	}
	if u.GateSeq != nil {
		query += " AND gate_seq = ?"
		args = append(args, *u.GateSeq)
	}
	query += " RETURNING " + runColumns

	var run *runstate.Run
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var scanErr error
		run, scanErr = scanRun(row)
		return scanErr
	}, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetRun(ctx, u.RunID)
		if getErr != nil {
			return nil, getErr
		}
		return current, fmt.Errorf("transition %s to %s from %s: %w", u.RunID, u.To, current.Status, runstate.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s to %s: %w", u.RunID, u.To, err)
	}
	return run, nil
}

const leaseFree = "(worker_id IS NULL OR heartbeat_at IS NULL OR heartbeat_at < ?)"

// ClaimRun leases the runnable run that has waited longest. It returns nil
// when nothing is claimable.
func (s *Store) ClaimRun(ctx context.Context, workerID string, staleBefore time.Time) (*runstate.Run, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, errors.New("claim run: worker id is required")
	}
	runnable := "status IN ('PENDING', 'RUNNING', 'RETRYING')"
	stale := millis(staleBefore)
	query := "UPDATE pipeline_runs SET worker_id = ?, heartbeat_at = ?" +
		" WHERE run_id = (SELECT run_id FROM pipeline_runs WHERE " + runnable + " AND " + leaseFree +
		" ORDER BY updated_at, created_at LIMIT 1" + s.dialect.lockClause + ")" +
		" AND " + runnable + " AND " + leaseFree +
		" RETURNING " + runColumns

	var run *runstate.Run
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var scanErr error
		run, scanErr = scanRun(row)
		return scanErr
	}, query, workerID, s.nowMillis(), stale, stale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return run, nil
}

// RenewLease refreshes the heartbeat of a lease held by workerID.
func (s *Store) RenewLease(ctx context.Context, runID, workerID string) error {
	res, err := s.exec(ctx, "UPDATE pipeline_runs SET heartbeat_at = ? WHERE run_id = ? AND worker_id = ?",
		s.nowMillis(), runID, workerID)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("renew lease %s: %w", runID, runstate.ErrConflict)
	}
	return nil
}

// ReleaseLease drops the lease if workerID still holds it.
func (s *Store) ReleaseLease(ctx context.Context, runID, workerID string) error {
	if _, err := s.exec(ctx, "UPDATE pipeline_runs SET worker_id = NULL, heartbeat_at = NULL WHERE run_id = ? AND worker_id = ?",
		runID, workerID); err != nil {
		return fmt.Errorf("release lease %s: %w", runID, err)
	}
	return nil
}

// DueApprovals lists runs whose approval deadline has passed.
func (s *Store) DueApprovals(ctx context.Context, now time.Time) ([]*runstate.Run, error) {
	return s.collectRuns(ctx, "SELECT "+runColumns+" FROM pipeline_runs"+
		" WHERE status = 'AWAITING_APPROVAL' AND gate_deadline IS NOT NULL AND gate_deadline <= ?"+
		" ORDER BY gate_deadline, run_id", millis(now))
}

// CountByStatus returns run counts for every status present.
func (s *Store) CountByStatus(ctx context.Context) (map[runstate.Status]int, error) {
	counts := make(map[runstate.Status]int)
	err := s.queryRows(ctx, func(rows *sql.Rows) error {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		counts[runstate.Status(status)] = count
		return nil
	}, "SELECT status, COUNT(*) FROM pipeline_runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	return counts, nil
}
