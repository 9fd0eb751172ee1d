package ipc

import (
	"errors"
	"net/rpc"
	"strings"

	"cliprun/internal/services"
)

// RemoteError is a daemon-side failure carried over RPC. It unwraps to the
// services marker named by its kind, when there is one.
type RemoteError struct {
	Kind    string
	Message string
	marker  error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.marker }

// wireError renders err as "Kind: detail" so the client can classify it.
func wireError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(services.FailureMessage(err))
}

// remoteError maps an rpc.ServerError back onto the error taxonomy. Transport
// errors are returned unchanged.
func remoteError(err error) error {
	var serverErr rpc.ServerError
	if !errors.As(err, &serverErr) {
		return err
	}
	message := string(serverErr)
	kind, _, _ := strings.Cut(message, ":")
	kind = strings.TrimSpace(kind)
	marker, ok := services.FromKindName(kind)
	if !ok {
		return &RemoteError{Message: message}
	}
	return &RemoteError{Kind: kind, Message: message, marker: marker}
}
