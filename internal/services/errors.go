package services

import (
	"errors"
	"fmt"
	"strings"
)

// Run-level error taxonomy.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrStageExecution  = errors.New("stage execution failed")
	ErrApprovalTimeout = errors.New("approval timed out")
	ErrInvalidState    = errors.New("invalid state")
	ErrCancelled       = errors.New("cancelled")
)

// Infrastructure markers.
var (
	ErrExternalTool  = errors.New("external tool error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("transient failure")
)

var kindNames = []struct {
	marker error
	name   string
}{
	{ErrInvalidInput, "InvalidInputError"},
	{ErrStageExecution, "StageExecutionError"},
	{ErrApprovalTimeout, "ApprovalTimeoutError"},
	{ErrInvalidState, "InvalidStateError"},
	{ErrCancelled, "CancelledError"},
	{ErrNotFound, "NotFoundError"},
	{ErrConfiguration, "ConfigurationError"},
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindName returns the taxonomy name for err, or "" when err carries no known marker.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.marker) {
			return k.name
		}
	}
	return ""
}

// FromKindName returns the marker for a taxonomy name.
func FromKindName(name string) (error, bool) {
	name = strings.TrimSpace(name)
	for _, k := range kindNames {
		if k.name == name {
			return k.marker, true
		}
	}
	return nil, false
}

// FailureMessage renders err the way it is stored on a failed run: the kind
// name, followed by the detail when there is any beyond the marker itself.
// Timeouts and cancellations are stored as the bare kind name.
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}
	kind := KindName(err)
	switch {
	case kind == "":
		return err.Error()
	case errors.Is(err, ErrApprovalTimeout), errors.Is(err, ErrCancelled):
		return kind
	}
	detail := err.Error()
	for _, k := range kindNames {
		if k.name == kind {
			detail = strings.TrimPrefix(detail, k.marker.Error())
			break
		}
	}
	detail = strings.TrimLeft(detail, ": ")
	if detail == "" {
		return kind
	}
	return kind + ": " + detail
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
