package api

import (
	"time"

	"cliprun/internal/runstate"
	"cliprun/internal/workflow"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// FromRun converts a run record to its API representation.
func FromRun(run *runstate.Run) Run {
	if run == nil {
		return Run{}
	}
	dto := Run{
		ID:               run.ID,
		Queue:            run.Queue,
		Status:           string(run.Status),
		CurrentStage:     run.CurrentStage,
		StageAttempt:     run.StageAttempt,
		Error:            run.Error,
		InputFingerprint: run.InputFingerprint,
		LastDecision:     string(run.LastDecision),
		WorkerID:         run.WorkerID,
		CreatedAt:        formatTime(run.CreatedAt),
		UpdatedAt:        formatTime(run.UpdatedAt),
	}
	if len(run.Input) > 0 {
		dto.Input = append(dto.Input, run.Input...)
	}
	if run.Status == runstate.StatusAwaitingApproval {
		dto.GateDeadline = formatTime(run.GateDeadline)
	}
	return dto
}

// FromRuns converts a slice of run records into API DTOs.
func FromRuns(runs []*runstate.Run) []Run {
	if len(runs) == 0 {
		return nil
	}
	out := make([]Run, 0, len(runs))
	for _, run := range runs {
		if run == nil {
			continue
		}
		out = append(out, FromRun(run))
	}
	return out
}

// FromProgress converts a progress snapshot.
func FromProgress(p runstate.Progress) Progress {
	return Progress{
		RunID:        p.RunID,
		Status:       string(p.Status),
		CurrentStage: p.CurrentStage,
		StageAttempt: p.StageAttempt,
		Error:        p.Error,
		GateDeadline: formatTime(p.GateDeadline),
		UpdatedAt:    formatTime(p.UpdatedAt),
	}
}

// FromEvent converts a history entry.
func FromEvent(event runstate.Event) Event {
	return Event{
		Seq:       event.Seq,
		Kind:      string(event.Kind),
		StageID:   event.StageID,
		Detail:    event.Detail,
		CreatedAt: formatTime(event.CreatedAt),
	}
}

// FromEvents converts a run's history in order.
func FromEvents(events []runstate.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, event := range events {
		out = append(out, FromEvent(event))
	}
	return out
}

// FromExecution converts a stage execution record.
func FromExecution(rec *runstate.StageExecution) Execution {
	if rec == nil {
		return Execution{}
	}
	return Execution{
		StageID:     rec.StageID,
		Attempt:     rec.Attempt,
		Fingerprint: rec.Fingerprint,
		Outcome:     string(rec.Outcome),
		Tries:       rec.Tries,
		ResultRef:   rec.ResultRef,
		Error:       rec.Error,
		StartedAt:   formatTime(rec.StartedAt),
		FinishedAt:  formatTime(rec.FinishedAt),
	}
}

// FromExecutions converts stage execution records, skipping nil entries.
func FromExecutions(recs []*runstate.StageExecution) []Execution {
	out := make([]Execution, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		out = append(out, FromExecution(rec))
	}
	return out
}

// FromStatusSummary converts worker pool diagnostics.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	status := WorkflowStatus{
		Running:   summary.Running,
		Workers:   summary.Workers,
		Queue:     summary.Queue,
		Pipeline:  summary.Pipeline,
		LastError: summary.LastError,
		RunCounts: make(map[string]int, len(summary.RunCounts)),
		Active:    make([]ActiveRun, 0, len(summary.Active)),
	}
	for st, count := range summary.RunCounts {
		status.RunCounts[string(st)] = count
	}
	if summary.LastRun != nil {
		p := FromProgress(*summary.LastRun)
		status.LastRun = &p
	}
	for _, active := range summary.Active {
		status.Active = append(status.Active, ActiveRun{RunID: active.RunID, WorkerID: active.WorkerID})
	}
	status.StageHealth = make([]StageHealth, 0, len(summary.StageHealth))
	for _, health := range summary.StageHealth {
		status.StageHealth = append(status.StageHealth, StageHealth{
			Name:   health.Name,
			Ready:  health.Ready,
			Detail: health.Detail,
		})
	}
	return status
}
