package api

import (
	"encoding/json"
	"testing"
	"time"

	"cliprun/internal/runstate"
	"cliprun/internal/stage"
	"cliprun/internal/workflow"
)

func TestFromRunAwaitingIncludesDeadline(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	run := &runstate.Run{
		ID:           "run-1",
		Queue:        "main-pipeline",
		Status:       runstate.StatusAwaitingApproval,
		CurrentStage: "segmenter",
		StageAttempt: 2,
		Input:        json.RawMessage(`{"video":"a.mp4"}`),
		GateDeadline: deadline,
		LastDecision: runstate.SignalRetry,
	}
	dto := FromRun(run)
	if dto.Status != "AWAITING_APPROVAL" {
		t.Fatalf("unexpected status %q", dto.Status)
	}
	if dto.GateDeadline != "2026-03-01T11:00:00.000Z" {
		t.Fatalf("unexpected deadline %q", dto.GateDeadline)
	}
	if dto.LastDecision != "retry" {
		t.Fatalf("unexpected decision %q", dto.LastDecision)
	}
	if string(dto.Input) != `{"video":"a.mp4"}` {
		t.Fatalf("unexpected input %s", dto.Input)
	}
	if dto.CreatedAt != "" {
		t.Fatalf("zero time should be omitted, got %q", dto.CreatedAt)
	}

	run.Status = runstate.StatusRunning
	if got := FromRun(run).GateDeadline; got != "" {
		t.Fatalf("deadline should only be reported while awaiting, got %q", got)
	}
}

func TestFromRunsSkipsNil(t *testing.T) {
	if FromRuns(nil) != nil {
		t.Fatal("expected nil for empty input")
	}
	out := FromRuns([]*runstate.Run{{ID: "a"}, nil, {ID: "b"}})
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "b" {
		t.Fatalf("unexpected runs %+v", out)
	}
}

func TestFromStatusSummary(t *testing.T) {
	last := runstate.Progress{RunID: "run-9", Status: runstate.StatusCompleted}
	summary := workflow.StatusSummary{
		Running:   true,
		Workers:   2,
		Queue:     "main-pipeline",
		Pipeline:  "clip",
		RunCounts: map[runstate.Status]int{runstate.StatusPending: 3},
		LastRun:   &last,
		Active:    []workflow.ActiveRun{{RunID: "run-2", WorkerID: "host-w1"}},
		StageHealth: []stage.Health{
			stage.Healthy("ingest"),
			stage.Unhealthy("finalize", "endpoint unreachable"),
		},
	}
	status := FromStatusSummary(summary)
	if !status.Running || status.Workers != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.RunCounts["PENDING"] != 3 {
		t.Fatalf("unexpected counts %v", status.RunCounts)
	}
	if status.LastRun == nil || status.LastRun.RunID != "run-9" {
		t.Fatalf("unexpected last run %+v", status.LastRun)
	}
	if len(status.Active) != 1 || status.Active[0].WorkerID != "host-w1" {
		t.Fatalf("unexpected active runs %+v", status.Active)
	}
	if len(status.StageHealth) != 2 || status.StageHealth[1].Ready {
		t.Fatalf("unexpected stage health %+v", status.StageHealth)
	}
}

func TestFromExecutionsOrderAndTimes(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	recs := []*runstate.StageExecution{
		{ExecutionKey: runstate.ExecutionKey{RunID: "r", StageID: "ingest", Attempt: 1}, Outcome: runstate.OutcomeSucceeded, Tries: 1, StartedAt: started},
		nil,
		{ExecutionKey: runstate.ExecutionKey{RunID: "r", StageID: "segmenter", Attempt: 1}, Outcome: runstate.OutcomeFailed, Tries: 3, Error: "boom"},
	}
	out := FromExecutions(recs)
	if len(out) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(out))
	}
	if out[0].StartedAt != "2026-01-02T03:04:05.006Z" {
		t.Fatalf("unexpected start %q", out[0].StartedAt)
	}
	if out[1].Outcome != "FAILED" || out[1].Tries != 3 || out[1].FinishedAt != "" {
		t.Fatalf("unexpected execution %+v", out[1])
	}
}
