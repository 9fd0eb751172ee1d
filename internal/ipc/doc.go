// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// It owns socket lifecycle management, request/response DTOs, and the mapping
// of run errors onto the wire. Failures cross the socket as their taxonomy
// name ("InvalidStateError: ...") and the client turns them back into errors
// matching the services markers, so CLI commands can branch with errors.Is.
// Client calls carry a deadline so commands fail fast when the daemon is
// offline.
//
// Reuse these types when adding new RPC endpoints to keep the protocol stable
// and compatible with existing command implementations.
package ipc
