// Package stage defines pipeline stages and the collaborators that execute
// them: HTTP services, local commands and the built-in media steps.
package stage
