// Package activity executes pipeline stages with at-most-once semantics per
// execution key.
//
// Before calling a stage the executor fingerprints its input and consults the
// durable execution record for (run, stage, fingerprint, attempt). A
// SUCCEEDED record short-circuits to the stored result; otherwise the record
// is claimed IN_PROGRESS, the stage is called with bounded exponential
// backoff, and the outcome is written back. A live IN_PROGRESS record held by
// another executor is waited on; one whose heartbeat is older than the grace
// period is taken over.
package activity
