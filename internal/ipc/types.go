package ipc

import (
	"encoding/json"

	"cliprun/internal/api"
)

// ServiceName is the RPC receiver name methods are registered under.
const ServiceName = "Cliprun"

// StartRequest resumes the worker pool.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest pauses the worker pool; the daemon keeps serving commands.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StartRunRequest submits a new pipeline run.
type StartRunRequest struct {
	Input json.RawMessage `json:"input"`
}

// StartRunResponse returns the created run.
type StartRunResponse struct {
	Run api.Run `json:"run"`
}

// RunRequest addresses a single run.
type RunRequest struct {
	RunID string `json:"run_id"`
}

// ProgressResponse reports a run's progress.
type ProgressResponse struct {
	Progress api.Progress `json:"progress"`
}

// SignalResponse reports the outcome of approve or retry.
type SignalResponse struct {
	Signal    string       `json:"signal"`
	Duplicate bool         `json:"duplicate"`
	Progress  api.Progress `json:"progress"`
}

// ListRequest filters run listing by status.
type ListRequest struct {
	Statuses []string `json:"statuses"`
	Limit    int      `json:"limit"`
}

// ListResponse contains runs.
type ListResponse struct {
	Runs []api.Run `json:"runs"`
}

// HistoryResponse contains a run with its event log and stage records.
type HistoryResponse struct {
	Run        api.Run         `json:"run"`
	Events     []api.Event     `json:"events"`
	Executions []api.Execution `json:"executions"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents combined daemon/workflow status information.
type StatusResponse struct {
	Running       bool               `json:"running"`
	PID           int                `json:"pid"`
	StoreDriver   string             `json:"store_driver"`
	StoreLocation string             `json:"store_location"`
	SchemaVersion string             `json:"schema_version"`
	ResultStore   string             `json:"result_store"`
	LockPath      string             `json:"lock_path"`
	Workflow      api.WorkflowStatus `json:"workflow"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
