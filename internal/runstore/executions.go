package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cliprun/internal/runstate"
)

const executionColumns = `run_id, stage_id, input_fingerprint, attempt, outcome, result_ref,
	tries, error, claim_token, started_at, heartbeat_at, finished_at, updated_at`

const executionKeyWhere = "run_id = ? AND stage_id = ? AND input_fingerprint = ? AND attempt = ?"

func keyArgs(key runstate.ExecutionKey) []any {
	return []any{key.RunID, key.StageID, key.Fingerprint, key.Attempt}
}

func scanExecution(row rowScanner) (*runstate.StageExecution, error) {
	var (
		rec         runstate.StageExecution
		outcome     string
		resultRef   sql.NullString
		errMsg      sql.NullString
		claimToken  sql.NullString
		startedAt   int64
		heartbeatAt sql.NullInt64
		finishedAt  sql.NullInt64
		updatedAt   int64
	)
	if err := row.Scan(
		&rec.RunID,
		&rec.StageID,
		&rec.Fingerprint,
		&rec.Attempt,
		&outcome,
		&resultRef,
		&rec.Tries,
		&errMsg,
		&claimToken,
		&startedAt,
		&heartbeatAt,
		&finishedAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	rec.Outcome = runstate.Outcome(outcome)
	rec.ResultRef = resultRef.String
	rec.Error = errMsg.String
	rec.ClaimToken = claimToken.String
	rec.StartedAt = fromMillis(startedAt)
	rec.HeartbeatAt = fromNullMillis(heartbeatAt)
	rec.FinishedAt = fromNullMillis(finishedAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

func (s *Store) scanOneExecution(ctx context.Context, query string, args ...any) (*runstate.StageExecution, error) {
	var rec *runstate.StageExecution
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var scanErr error
		rec, scanErr = scanExecution(row)
		return scanErr
	}, query, args...)
	return rec, err
}

// GetExecution fetches one execution record.
func (s *Store) GetExecution(ctx context.Context, key runstate.ExecutionKey) (*runstate.StageExecution, error) {
	rec, err := s.scanOneExecution(ctx, "SELECT "+executionColumns+" FROM stage_executions WHERE "+executionKeyWhere, keyArgs(key)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s/%s#%d: %w", key.RunID, key.StageID, key.Attempt, runstate.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s/%s: %w", key.RunID, key.StageID, err)
	}
	return rec, nil
}

// ClaimExecution inserts or takes over the record for key. A FAILED record
// or an IN_PROGRESS record whose heartbeat predates staleBefore is taken
// over; SUCCEEDED and live IN_PROGRESS records are returned unclaimed.
func (s *Store) ClaimExecution(ctx context.Context, key runstate.ExecutionKey, token string, staleBefore time.Time) (*runstate.StageExecution, bool, error) {
	if token == "" {
		return nil, false, errors.New("claim execution: token is required")
	}
	now := s.nowMillis()
	args := append(keyArgs(key), token, now, now, now, millis(staleBefore))
	rec, err := s.scanOneExecution(ctx, `INSERT INTO stage_executions (
		run_id, stage_id, input_fingerprint, attempt, outcome, tries,
		claim_token, started_at, heartbeat_at, updated_at
	) VALUES (?, ?, ?, ?, 'IN_PROGRESS', 0, ?, ?, ?, ?)
	ON CONFLICT (run_id, stage_id, input_fingerprint, attempt) DO UPDATE SET
		outcome = 'IN_PROGRESS',
		claim_token = excluded.claim_token,
		started_at = excluded.started_at,
		heartbeat_at = excluded.heartbeat_at,
		finished_at = NULL,
		error = NULL,
		result_ref = NULL,
		updated_at = excluded.updated_at
	WHERE stage_executions.outcome = 'FAILED'
		OR (stage_executions.outcome = 'IN_PROGRESS'
			AND (stage_executions.heartbeat_at IS NULL OR stage_executions.heartbeat_at < ?))
	RETURNING `+executionColumns, args...)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("claim execution %s/%s: %w", key.RunID, key.StageID, err)
	}
	existing, err := s.GetExecution(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// TouchExecution refreshes the heartbeat of a record held by token.
func (s *Store) TouchExecution(ctx context.Context, key runstate.ExecutionKey, token string) error {
	now := s.nowMillis()
	args := append([]any{now, now, now}, keyArgs(key)...)
	args = append(args, token)
	res, err := s.exec(ctx, "UPDATE stage_executions SET heartbeat_at = ?, "+monotonicUpdatedAt+
		" WHERE "+executionKeyWhere+" AND claim_token = ? AND outcome = 'IN_PROGRESS'", args...)
	if err != nil {
		return fmt.Errorf("touch execution %s/%s: %w", key.RunID, key.StageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch execution %s/%s: %w", key.RunID, key.StageID, runstate.ErrConflict)
	}
	return nil
}

// FinishExecution resolves the IN_PROGRESS record held by token. When the
// record was resolved or taken over already, the current record is returned
// with ErrConflict.
func (s *Store) FinishExecution(
	ctx context.Context,
	key runstate.ExecutionKey,
	token string,
	outcome runstate.Outcome,
	resultRef, errMsg string,
	tries int,
) (*runstate.StageExecution, error) {
	if outcome != runstate.OutcomeSucceeded && outcome != runstate.OutcomeFailed {
		return nil, fmt.Errorf("finish execution: invalid outcome %q", outcome)
	}
	now := s.nowMillis()
	args := []any{string(outcome), nullString(resultRef), nullString(errMsg), tries, now, now, now, now}
	args = append(args, keyArgs(key)...)
	args = append(args, token)
	rec, err := s.scanOneExecution(ctx, "UPDATE stage_executions SET outcome = ?, result_ref = ?, error = ?, tries = ?,"+
		" finished_at = ?, heartbeat_at = ?, "+monotonicUpdatedAt+
		" WHERE "+executionKeyWhere+" AND claim_token = ? AND outcome = 'IN_PROGRESS'"+
		" RETURNING "+executionColumns, args...)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finish execution %s/%s: %w", key.RunID, key.StageID, err)
	}
	current, getErr := s.GetExecution(ctx, key)
	if getErr != nil {
		return nil, getErr
	}
	return current, fmt.Errorf("finish execution %s/%s (%s): %w", key.RunID, key.StageID, current.Outcome, runstate.ErrConflict)
}

// ListExecutions returns every execution record of a run in start order.
func (s *Store) ListExecutions(ctx context.Context, runID string) ([]*runstate.StageExecution, error) {
	var out []*runstate.StageExecution
	err := s.queryRows(ctx, func(rows *sql.Rows) error {
		rec, err := scanExecution(rows)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	}, "SELECT "+executionColumns+" FROM stage_executions WHERE run_id = ? ORDER BY started_at, stage_id, attempt", runID)
	if err != nil {
		return nil, fmt.Errorf("list executions %s: %w", runID, err)
	}
	return out, nil
}
