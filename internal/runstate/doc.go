// Package runstate defines the persisted model of a pipeline run: the run
// record and its status machine, the per-stage execution records that make
// activities idempotent, and the append-only event log.
//
// The transition table here is the single source of truth for which status
// changes are legal. Store implementations enforce it with compare-and-set
// updates so two writers can never both make the same transition.
package runstate
