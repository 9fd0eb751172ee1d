package runstate

import (
	"encoding/json"
	"time"
)

// Run is the persisted record of one pipeline run.
type Run struct {
	ID               string
	Queue            string
	Status           Status
	CurrentStage     string
	Input            json.RawMessage
	InputFingerprint string
	Error            string
	// StageAttempt numbers executions of the current stage; retry signals bump it.
	StageAttempt int
	// GateSeq counts entries into AWAITING_APPROVAL; each is one decision point.
	GateSeq         int64
	GateDeadline    time.Time
	LastDecision    Signal
	LastDecisionSeq int64
	WorkerID        string
	HeartbeatAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Progress is the read-only view returned by progress queries.
type Progress struct {
	RunID        string    `json:"run_id"`
	Status       Status    `json:"status"`
	CurrentStage string    `json:"current_stage"`
	Error        string    `json:"error,omitempty"`
	StageAttempt int       `json:"stage_attempt"`
	GateDeadline time.Time `json:"gate_deadline,omitzero"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Progress snapshots the fields an operator needs.
func (r *Run) Progress() Progress {
	if r == nil {
		return Progress{}
	}
	p := Progress{
		RunID:        r.ID,
		Status:       r.Status,
		CurrentStage: r.CurrentStage,
		Error:        r.Error,
		StageAttempt: r.StageAttempt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Status == StatusAwaitingApproval {
		p.GateDeadline = r.GateDeadline
	}
	return p
}

// Outcome is the state of one stage execution record.
type Outcome string

const (
	OutcomeInProgress Outcome = "IN_PROGRESS"
	OutcomeSucceeded  Outcome = "SUCCEEDED"
	OutcomeFailed     Outcome = "FAILED"
)

// ExecutionKey identifies a stage execution record. Attempt is the run's
// StageAttempt when the record was created.
type ExecutionKey struct {
	RunID       string
	StageID     string
	Fingerprint string
	Attempt     int
}

// StageExecution is the durable record of executing one stage for one input.
type StageExecution struct {
	ExecutionKey
	Outcome     Outcome
	ResultRef   string
	Tries       int
	Error       string
	ClaimToken  string
	StartedAt   time.Time
	HeartbeatAt time.Time
	FinishedAt  time.Time
	UpdatedAt   time.Time
}

// EventKind classifies entries in the run event log.
type EventKind string

const (
	EventRunCreated      EventKind = "run_created"
	EventStatusChanged   EventKind = "status_changed"
	EventAttemptStarted  EventKind = "attempt_started"
	EventAttemptFinished EventKind = "attempt_finished"
	EventSignalAccepted  EventKind = "signal_accepted"
	EventSignalRejected  EventKind = "signal_rejected"
	EventNotifyFailed    EventKind = "notify_failed"
)

// Event is one append-only entry in a run's history.
type Event struct {
	Seq       int64
	RunID     string
	Kind      EventKind
	StageID   string
	Detail    string
	CreatedAt time.Time
}
