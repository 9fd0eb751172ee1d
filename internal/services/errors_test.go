package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"cliprun/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "segmenter", "invoke", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"segmenter", "invoke", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestKindNameRoundTrip(t *testing.T) {
	cases := map[error]string{
		services.ErrInvalidInput:    "InvalidInputError",
		services.ErrStageExecution:  "StageExecutionError",
		services.ErrApprovalTimeout: "ApprovalTimeoutError",
		services.ErrInvalidState:    "InvalidStateError",
		services.ErrCancelled:       "CancelledError",
	}
	for marker, name := range cases {
		wrapped := fmt.Errorf("outer: %w", marker)
		if got := services.KindName(wrapped); got != name {
			t.Fatalf("KindName(%v) = %q, want %q", wrapped, got, name)
		}
		back, ok := services.FromKindName(name)
		if !ok || back != marker {
			t.Fatalf("FromKindName(%q) = %v, %v", name, back, ok)
		}
	}
	if got := services.KindName(errors.New("plain")); got != "" {
		t.Fatalf("expected empty kind for plain error, got %q", got)
	}
}

func TestFailureMessage(t *testing.T) {
	if got := services.FailureMessage(services.ErrApprovalTimeout); got != "ApprovalTimeoutError" {
		t.Fatalf("timeout message = %q", got)
	}
	if got := services.FailureMessage(fmt.Errorf("stop: %w", services.ErrCancelled)); got != "CancelledError" {
		t.Fatalf("cancel message = %q", got)
	}
	stageErr := services.Wrap(services.ErrStageExecution, "segmenter", "execute", "3 tries exhausted", errors.New("exit status 1"))
	got := services.FailureMessage(stageErr)
	if !strings.HasPrefix(got, "StageExecutionError: segmenter: execute") {
		t.Fatalf("stage message = %q", got)
	}
	if !strings.Contains(got, "exit status 1") {
		t.Fatalf("stage message lost cause: %q", got)
	}
}
