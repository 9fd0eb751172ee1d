package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cliprun/internal/approval"
	"cliprun/internal/config"
	"cliprun/internal/daemon"
	"cliprun/internal/logging"
	"cliprun/internal/objectstore"
	"cliprun/internal/orchestrator"
	"cliprun/internal/runstate"
	"cliprun/internal/services"
	"cliprun/internal/stage"
	"cliprun/internal/testsupport"
	"cliprun/internal/workflow"
)

func newDaemon(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	results, err := objectstore.NewFileStore(cfg.ObjectStore.LocalDir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	pipeline, err := stage.Build(stage.DefaultDefinition(), nil)
	if err != nil {
		t.Fatalf("stage.Build: %v", err)
	}
	logger := logging.NewNop()
	orc, err := orchestrator.New(cfg, orchestrator.Dependencies{
		Store:    store,
		Pipeline: pipeline,
		Results:  results,
	}, logger, orchestrator.WithGateOptions(approval.WithPollInterval(10*time.Millisecond)))
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	mgr := workflow.NewManager(cfg, store, orc, logger,
		workflow.WithPollInterval(10*time.Millisecond),
		workflow.WithWorkerPrefix("test"),
	)
	d, err := daemon.New(cfg, daemon.Dependencies{
		Store:        store,
		Results:      results,
		Orchestrator: orc,
		Workflow:     mgr,
	}, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})
	return d
}

func waitForStatus(t *testing.T, d *daemon.Daemon, runID string, want runstate.Status) runstate.Progress {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		progress, err := d.Progress(context.Background(), runID)
		if err != nil {
			t.Fatalf("Progress: %v", err)
		}
		if progress.Status == want {
			return progress
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s stuck in %s, want %s", runID, progress.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.StoreDriver != config.DriverSQLite {
		t.Fatalf("unexpected store driver %q", status.StoreDriver)
	}
	if status.LockFilePath != cfg.LockPath() {
		t.Fatalf("unexpected lock path %q", status.LockFilePath)
	}
	if status.SchemaVersion == "" {
		t.Fatal("expected schema version to be reported")
	}
	if !status.Workflow.Running {
		t.Fatal("expected workflow to report running")
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	status = d.Status(ctx)
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestDaemonLockPreventsSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := newDaemon(t, cfg)
	second := newDaemon(t, cfg)

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected second daemon to be refused the lock")
	}
	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start after release: %v", err)
	}
	second.Stop()
}

func TestDaemonRunsPipelineThroughSignals(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	run, err := d.StartRun(ctx, json.RawMessage(`{"video":"a.mp4"}`))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	progress := waitForStatus(t, d, run.ID, runstate.StatusAwaitingApproval)
	if progress.CurrentStage != "segmenter" {
		t.Fatalf("expected gate after segmenter, got %q", progress.CurrentStage)
	}

	ack, err := d.Approve(ctx, run.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if ack.Duplicate {
		t.Fatal("first approve reported as duplicate")
	}
	waitForStatus(t, d, run.ID, runstate.StatusCompleted)

	history, err := d.History(ctx, run.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history.Executions) != 3 {
		t.Fatalf("expected 3 stage records, got %d", len(history.Executions))
	}

	runs, err := d.ListRuns(ctx, []runstate.Status{runstate.StatusCompleted}, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("unexpected completed runs: %+v", runs)
	}
}

func TestDaemonCancelAwaitingRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	run, err := d.StartRun(ctx, json.RawMessage(`{"video":"b.mp4"}`))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitForStatus(t, d, run.ID, runstate.StatusAwaitingApproval)

	progress, err := d.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if progress.Status != runstate.StatusFailed || progress.Error != "CancelledError" {
		t.Fatalf("unexpected progress after cancel: %+v", progress)
	}

	if _, err := d.Cancel(ctx, run.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected InvalidStateError cancelling a failed run, got %v", err)
	}
}

func TestDaemonRejectsInvalidInput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)

	_, err := d.StartRun(context.Background(), json.RawMessage(`{}`))
	if !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
}

func TestDaemonTestNotification(t *testing.T) {
	t.Run("unconfigured", func(t *testing.T) {
		d := newDaemon(t, testsupport.NewConfig(t))
		sent, message, err := d.TestNotification(context.Background())
		if err != nil || sent {
			t.Fatalf("expected skipped notification, got sent=%v err=%v", sent, err)
		}
		if message != "webhook url not configured" {
			t.Fatalf("unexpected message %q", message)
		}
	})

	t.Run("configured", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		d := newDaemon(t, testsupport.NewConfig(t, testsupport.WithWebhook(srv.URL)))
		sent, _, err := d.TestNotification(context.Background())
		if err != nil || !sent {
			t.Fatalf("expected notification sent, got sent=%v err=%v", sent, err)
		}
		if hits.Load() != 1 {
			t.Fatalf("expected one webhook call, got %d", hits.Load())
		}
	})
}
