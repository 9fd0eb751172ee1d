// Package approval implements the human decision point between stages.
//
// A run that reaches a gating stage sits in AWAITING_APPROVAL until an
// operator approves or retries it, it is cancelled, or its deadline passes.
// Signals are compare-and-set writes against the decision point (gate_seq)
// they target, so a signal is applied at most once per decision point and a
// repeat of the signal that resolved it is acknowledged without effect.
package approval
