package testsupport

import (
	"context"
	"encoding/json"
	"testing"

	"cliprun/internal/config"
	"cliprun/internal/fingerprint"
	"cliprun/internal/runstate"
	"cliprun/internal/runstore"
)

// MustOpenStore opens a SQLite run store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *runstore.Store {
	t.Helper()

	store, err := runstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("runstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewRun inserts a PENDING run for input positioned at stage.
func NewRun(t testing.TB, store runstate.RunStore, runID, stage, input string) *runstate.Run {
	t.Helper()

	hash, err := fingerprint.RunInput(json.RawMessage(input))
	if err != nil {
		t.Fatalf("fingerprint input: %v", err)
	}
	run := &runstate.Run{
		ID:               runID,
		Queue:            "test",
		CurrentStage:     stage,
		Input:            json.RawMessage(input),
		InputFingerprint: hash,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("store.CreateRun: %v", err)
	}
	return run
}
