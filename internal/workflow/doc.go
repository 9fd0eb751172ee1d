// Package workflow hosts the worker pool that advances pipeline runs.
//
// The Manager starts a fixed number of workers. Each one leases the runnable
// run that has waited longest (PENDING, RUNNING or RETRYING with a free or
// stale lease), keeps the lease alive with heartbeats while the orchestrator
// steps the run, and releases it once the run suspends at an approval gate or
// terminates. A dispatcher loop fails runs whose approval deadline passed
// while nobody was blocked on them.
//
// Leases make the pool safe to run in several processes against one
// PostgreSQL store: a run is stepped by at most one worker, and a worker that
// dies simply stops heartbeating until its runs are reclaimed.
package workflow
