package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Run describes a pipeline run in a transport-friendly format.
type Run struct {
	ID               string          `json:"id"`
	Queue            string          `json:"queue"`
	Status           string          `json:"status"`
	CurrentStage     string          `json:"currentStage"`
	StageAttempt     int             `json:"stageAttempt"`
	Error            string          `json:"error,omitempty"`
	InputFingerprint string          `json:"inputFingerprint"`
	Input            json.RawMessage `json:"input,omitempty"`
	GateDeadline     string          `json:"gateDeadline,omitempty"`
	LastDecision     string          `json:"lastDecision,omitempty"`
	WorkerID         string          `json:"workerId,omitempty"`
	CreatedAt        string          `json:"createdAt,omitempty"`
	UpdatedAt        string          `json:"updatedAt,omitempty"`
}

// Progress is the operator view of a run.
type Progress struct {
	RunID        string `json:"runId"`
	Status       string `json:"status"`
	CurrentStage string `json:"currentStage"`
	StageAttempt int    `json:"stageAttempt"`
	Error        string `json:"error,omitempty"`
	GateDeadline string `json:"gateDeadline,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// Event is one entry of a run's history.
type Event struct {
	Seq       int64  `json:"seq"`
	Kind      string `json:"kind"`
	StageID   string `json:"stageId,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Execution describes one stage execution record.
type Execution struct {
	StageID     string `json:"stageId"`
	Attempt     int    `json:"attempt"`
	Fingerprint string `json:"fingerprint"`
	Outcome     string `json:"outcome"`
	Tries       int    `json:"tries"`
	ResultRef   string `json:"resultRef,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"startedAt,omitempty"`
	FinishedAt  string `json:"finishedAt,omitempty"`
}

// StageHealth mirrors readiness reporting for pipeline stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// ActiveRun names a run a worker is stepping.
type ActiveRun struct {
	RunID    string `json:"runId"`
	WorkerID string `json:"workerId"`
}

// WorkflowStatus summarizes worker pool state.
type WorkflowStatus struct {
	Running     bool           `json:"running"`
	Workers     int            `json:"workers"`
	Queue       string         `json:"queue"`
	Pipeline    string         `json:"pipeline"`
	RunCounts   map[string]int `json:"runCounts"`
	LastError   string         `json:"lastError,omitempty"`
	LastRun     *Progress      `json:"lastRun,omitempty"`
	Active      []ActiveRun    `json:"active"`
	StageHealth []StageHealth  `json:"stageHealth"`
}
