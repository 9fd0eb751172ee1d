package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cliprun/internal/runstate"
)

// AppendEvent adds an entry to a run's history and returns it with its
// sequence number and timestamp.
func (s *Store) AppendEvent(ctx context.Context, event runstate.Event) (runstate.Event, error) {
	if event.RunID == "" || event.Kind == "" {
		return event, errors.New("append event: run id and kind are required")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&event.Seq)
	}, "INSERT INTO run_events (run_id, kind, stage_id, detail, created_at) VALUES (?, ?, ?, ?, ?) RETURNING seq",
		event.RunID, string(event.Kind), event.StageID, event.Detail, millis(event.CreatedAt))
	if err != nil {
		return event, fmt.Errorf("append event %s for %s: %w", event.Kind, event.RunID, err)
	}
	return event, nil
}

// ListEvents returns a run's history oldest first.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]runstate.Event, error) {
	var events []runstate.Event
	err := s.queryRows(ctx, func(rows *sql.Rows) error {
		var (
			event     runstate.Event
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&event.Seq, &event.RunID, &kind, &event.StageID, &event.Detail, &createdAt); err != nil {
			return err
		}
		event.Kind = runstate.EventKind(kind)
		event.CreatedAt = fromMillis(createdAt)
		events = append(events, event)
		return nil
	}, "SELECT seq, run_id, kind, stage_id, detail, created_at FROM run_events WHERE run_id = ? ORDER BY seq", runID)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", runID, err)
	}
	return events, nil
}
