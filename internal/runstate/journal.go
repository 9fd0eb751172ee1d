package runstate

import (
	"context"
	"fmt"
	"strings"
)

// Journal is a run store that also keeps the event log.
type Journal interface {
	RunStore
	EventLog
}

// Record applies u and, when it takes effect, appends a status_changed event.
// The event is best effort: a failed append does not undo the transition.
func Record(ctx context.Context, j Journal, u Update) (*Run, error) {
	run, err := j.Transition(ctx, u)
	if err != nil {
		return run, err
	}
	from := make([]string, 0, len(u.From))
	for _, s := range u.From {
		from = append(from, string(s))
	}
	detail := fmt.Sprintf("%s -> %s", strings.Join(from, "|"), run.Status)
	if run.Error != "" {
		detail += ": " + run.Error
	}
	_, _ = j.AppendEvent(context.WithoutCancel(ctx), Event{
		RunID:   run.ID,
		Kind:    EventStatusChanged,
		StageID: run.CurrentStage,
		Detail:  detail,
	})
	return run, nil
}
