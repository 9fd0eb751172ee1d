// Package daemonrun assembles and runs the cliprun daemon process: logger,
// run store, result sink, pipeline, orchestrator, worker pool and the IPC
// socket, torn down in reverse order on SIGINT or SIGTERM.
package daemonrun
