// Package preflight provides readiness checks for the collaborators and
// filesystem paths cliprun depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failed check so a
//     misconfigured store or unreachable stage shows up before runs pile up.
//   - The CLI "cliprun doctor" command prints the same results as a table.
//
// Each check is gated by its config toggle; disabled features pass with a
// "disabled" detail.
package preflight
