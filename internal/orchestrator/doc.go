// Package orchestrator drives pipeline runs through their lifecycle.
//
// A run moves PENDING -> RUNNING, executes its stages in order through the
// activity executor, parks in AWAITING_APPROVAL after a gating stage and ends
// COMPLETED or FAILED. Every state change is a compare-and-set on the run
// store, so a run can be stepped by a worker pool, driven in the foreground
// with Drive, or resumed after a crash from whatever the store recorded last.
package orchestrator
