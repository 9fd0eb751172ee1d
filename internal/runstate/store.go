package runstate

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a run or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set precondition did not hold.
	ErrConflict = errors.New("state changed concurrently")
	// ErrRunExists is returned when creating a run whose ID is taken.
	ErrRunExists = errors.New("run already exists")
	// ErrIllegalTransition is returned for an update outside the transition table.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Update is a compare-and-set transition of a run. The update applies only
// when the run is currently in one of From (and, when GateSeq is set, at that
// decision point). Nil pointer fields are left unchanged. When the
// precondition fails, Transition returns the current run together with
// ErrConflict.
type Update struct {
	RunID        string
	From         []Status
	To           Status
	GateSeq      *int64
	CurrentStage *string
	Error        *string
	StageAttempt *int
	// OpenGate, when non-zero, starts a new decision point with this deadline.
	OpenGate time.Time
	// Decision records the signal that resolved the current decision point.
	Decision Signal
	// ReleaseLease clears the worker lease in the same write.
	ReleaseLease bool
}

// ListFilter narrows ListRuns.
type ListFilter struct {
	Statuses []Status
	Limit    int
}

// RunStore persists pipeline runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error)
	Transition(ctx context.Context, update Update) (*Run, error)
	// ClaimRun leases the oldest runnable run whose lease is free or older than staleBefore.
	ClaimRun(ctx context.Context, workerID string, staleBefore time.Time) (*Run, error)
	RenewLease(ctx context.Context, runID, workerID string) error
	ReleaseLease(ctx context.Context, runID, workerID string) error
	// DueApprovals lists runs awaiting approval whose deadline is at or before now.
	DueApprovals(ctx context.Context, now time.Time) ([]*Run, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// ExecutionStore persists stage execution records.
type ExecutionStore interface {
	GetExecution(ctx context.Context, key ExecutionKey) (*StageExecution, error)
	// ClaimExecution marks the record IN_PROGRESS under token. It succeeds
	// when the record is absent, FAILED, or IN_PROGRESS with a heartbeat older
	// than staleBefore. claimed is false when another holder or a SUCCEEDED
	// outcome prevented the claim; the current record is returned either way.
	ClaimExecution(ctx context.Context, key ExecutionKey, token string, staleBefore time.Time) (rec *StageExecution, claimed bool, err error)
	TouchExecution(ctx context.Context, key ExecutionKey, token string) error
	// FinishExecution resolves an IN_PROGRESS record held by token. It never
	// overwrites a resolved record; ErrConflict is returned instead.
	FinishExecution(ctx context.Context, key ExecutionKey, token string, outcome Outcome, resultRef, errMsg string, tries int) (*StageExecution, error)
	ListExecutions(ctx context.Context, runID string) ([]*StageExecution, error)
}

// EventLog is the append-only run history.
type EventLog interface {
	AppendEvent(ctx context.Context, event Event) (Event, error)
	ListEvents(ctx context.Context, runID string) ([]Event, error)
}

// Store is the full run state store.
type Store interface {
	RunStore
	ExecutionStore
	EventLog
	Ping(ctx context.Context) error
	Close() error
}
