// Package api defines wire-format types and converters for the IPC layer. It
// translates internal run models into transport-friendly DTOs that the CLI
// and other consumers can render without coupling to store types.
//
// # Key Types
//
// Run: transport representation of a pipeline run with its progress fields
// and input document.
//
// Event and Execution: one entry of a run's history and one stage execution
// record.
//
// WorkflowStatus: worker pool state, run counts, stage health, last run.
//
// # Converters
//
// FromRun, FromEvent, FromExecution and FromStatusSummary.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Statuses are exposed as their persisted
// upper-case names. Timestamps use RFC3339 with milliseconds. Run input is
// passed through as json.RawMessage to avoid double-encoding.
package api
