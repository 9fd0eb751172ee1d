// Package daemon coordinates the long-running cliprun process.
//
// It wires the run store, result sink, orchestrator and worker pool into a
// single lifecycle with flock-based locking to prevent multiple instances
// sharing one data directory. The daemon is the command surface the IPC
// server exposes: starting runs, reading progress, delivering approval
// signals, cancelling, and reporting status.
//
// Keep orchestration logic out of here: stage semantics live in the
// orchestrator and the worker pool in workflow, while the daemon focuses on
// startup, shutdown, and routing commands.
package daemon
