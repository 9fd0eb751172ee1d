// Package services holds the error taxonomy and context helpers shared by the
// orchestrator, the activity executor and the stage collaborators.
//
// Errors are classified with sentinel markers so callers can use errors.Is
// regardless of how much context has been wrapped around them. KindName
// renders the marker as the name persisted on a failed run.
package services
