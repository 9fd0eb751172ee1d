// Package logging assembles the structured slog loggers used by the daemon,
// the orchestrator and the CLI.
//
// It owns the console and JSON handlers, level parsing and output plumbing,
// and exposes context-aware helpers so orchestration code tags log lines with
// run IDs, stage names, worker IDs and correlation IDs without threading them
// through every call. NewNop gives tests and optional wiring a logger that
// cannot fail.
package logging
