package runstate

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a pipeline run.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusRunning          Status = "RUNNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusRetrying         Status = "RETRYING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusAwaitingApproval,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
}

// transitions lists, for each status, the statuses a run may move to next.
// RUNNING -> RUNNING is the move to the next stage.
var transitions = map[Status][]Status{
	StatusPending:          {StatusRunning, StatusFailed},
	StatusRunning:          {StatusRunning, StatusAwaitingApproval, StatusCompleted, StatusFailed},
	StatusAwaitingApproval: {StatusRunning, StatusRetrying, StatusFailed},
	StatusRetrying:         {StatusAwaitingApproval, StatusRunning, StatusCompleted, StatusFailed},
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus accepts a status name in any case.
func ParseStatus(value string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(value)))
	for _, s := range allStatuses {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown run status %q", value)
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Runnable reports whether a worker should pick the run up and step it.
func (s Status) Runnable() bool {
	return s == StatusPending || s == StatusRunning || s == StatusRetrying
}

func (s Status) String() string { return string(s) }

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Signal is an operator command delivered to a run.
type Signal string

const (
	SignalApprove Signal = "approve"
	SignalRetry   Signal = "retry"
	SignalCancel  Signal = "cancel"
)

// SignalTarget returns the status a signal moves a run in status s to. ok is
// false when s does not accept the signal.
func SignalTarget(s Status, g Signal) (Status, bool) {
	switch g {
	case SignalApprove:
		if s == StatusAwaitingApproval {
			return StatusRunning, true
		}
	case SignalRetry:
		if s == StatusAwaitingApproval {
			return StatusRetrying, true
		}
	case SignalCancel:
		if !s.Terminal() {
			return StatusFailed, true
		}
	}
	return "", false
}
