// Package main hosts the cliprun CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into IPC calls
// against the daemon: starting runs, reading progress, delivering approve and
// retry signals, cancelling, and listing history. It also runs the daemon in
// the foreground, scaffolds configuration and prints preflight diagnostics.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
