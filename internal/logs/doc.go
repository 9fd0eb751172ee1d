// Package logs reads the daemon log file for the `cliprun logs` command.
//
// Tail returns the last N lines or everything after a byte offset, optionally
// waiting for new output, and can narrow the result to a single run by
// matching the run_id field in both console and JSON log lines.
package logs
