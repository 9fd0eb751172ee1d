package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cliprun/internal/activity"
	"cliprun/internal/approval"
	"cliprun/internal/config"
	"cliprun/internal/logging"
	"cliprun/internal/notifications"
	"cliprun/internal/objectstore"
	"cliprun/internal/orchestrator"
	"cliprun/internal/runstate"
	"cliprun/internal/runstore"
	"cliprun/internal/services"
	"cliprun/internal/stage"
	"cliprun/internal/testsupport"
)

const videoInput = `{"video":"a.mp4"}`

type recorder struct {
	mu      sync.Mutex
	notices []notifications.Notice
	err     error
}

func (r *recorder) NotifyRunFinished(_ context.Context, n notifications.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return r.err
}

func (r *recorder) TestNotification(context.Context) error { return nil }

func (r *recorder) all() []notifications.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.Notice(nil), r.notices...)
}

type harness struct {
	cfg      *config.Config
	store    *runstore.Store
	results  *objectstore.FileStore
	pipeline *stage.Pipeline
	notes    *recorder
	calls    map[string]*atomic.Int32
}

// newHarness builds the default media pipeline with call counters;
// overrides replace individual stage handlers.
func newHarness(t *testing.T, overrides map[string]stage.Handler) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithRetry(3, 1, 5))
	store := testsupport.MustOpenStore(t, cfg)
	results, err := objectstore.NewFileStore(cfg.ObjectStore.LocalDir)
	require.NoError(t, err)

	base, err := stage.Build(stage.DefaultDefinition(), nil)
	require.NoError(t, err)
	h := &harness{cfg: cfg, store: store, results: results, notes: &recorder{}, calls: map[string]*atomic.Int32{}}
	stages := base.Stages()
	for i := range stages {
		handler := stages[i].Handler
		if o, ok := overrides[stages[i].ID]; ok {
			handler = o
		}
		counter := &atomic.Int32{}
		h.calls[stages[i].ID] = counter
		stages[i].Handler = stage.HandlerFunc(func(ctx context.Context, in stage.Input) (stage.Result, error) {
			counter.Add(1)
			return handler.Execute(ctx, in)
		})
	}
	h.pipeline, err = stage.NewPipeline(base.Name(), stages...)
	require.NoError(t, err)
	return h
}

func (h *harness) orchestrator(t *testing.T, store runstate.Store, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	t.Helper()
	if store == nil {
		store = h.store
	}
	base := []orchestrator.Option{orchestrator.WithGateOptions(approval.WithPollInterval(10 * time.Millisecond))}
	orc, err := orchestrator.New(h.cfg, orchestrator.Dependencies{
		Store:    store,
		Pipeline: h.pipeline,
		Results:  h.results,
		Notifier: h.notes,
	}, logging.NewNop(), append(base, opts...)...)
	require.NoError(t, err)
	return orc
}

func (h *harness) count(id string) int32 { return h.calls[id].Load() }

func waitForStatus(t *testing.T, orc *orchestrator.Orchestrator, runID string, status runstate.Status, attempt int) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := orc.Progress(context.Background(), runID)
		return err == nil && p.Status == status && p.StageAttempt == attempt
	}, 5*time.Second, 5*time.Millisecond, "run never reached %s attempt %d", status, attempt)
}

func TestPipelineRetryThenApproveCompletes(t *testing.T) {
	h := newHarness(t, nil)
	orc := h.orchestrator(t, nil)
	ctx := context.Background()

	run, err := orc.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusRunning, run.Status)
	assert.Equal(t, "ingest", run.CurrentStage)
	assert.Equal(t, "main-pipeline", run.Queue)

	run, err = orc.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusAwaitingApproval, run.Status)
	assert.Equal(t, "segmenter", run.CurrentStage)
	assert.EqualValues(t, 1, h.count("ingest"))
	assert.EqualValues(t, 1, h.count("segmenter"))

	progress, err := orc.Progress(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusAwaitingApproval, progress.Status)
	assert.Equal(t, "segmenter", progress.CurrentStage)

	ack, err := orc.Retry(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusRetrying, ack.Progress.Status)
	assert.Equal(t, 2, ack.Progress.StageAttempt)

	run, err = orc.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusAwaitingApproval, run.Status)
	assert.EqualValues(t, 2, run.GateSeq, "retry opens a new decision point")
	assert.EqualValues(t, 2, h.count("segmenter"))
	assert.EqualValues(t, 1, h.count("ingest"), "ingest is not repeated on retry")

	ack, err = orc.Approve(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "finalize", ack.Progress.CurrentStage)

	run, err = orc.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusCompleted, run.Status)
	assert.Empty(t, run.Error)
	assert.EqualValues(t, 1, h.count("finalize"))

	hist, err := orc.History(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, hist.Executions, 4)
	for _, rec := range hist.Executions {
		assert.Equal(t, runstate.OutcomeSucceeded, rec.Outcome, rec.StageID)
	}
	var final *runstate.StageExecution
	for _, rec := range hist.Executions {
		if rec.StageID == "finalize" {
			final = rec
		}
	}
	require.NotNil(t, final)
	data, err := h.results.Get(ctx, final.ResultRef)
	require.NoError(t, err)
	assert.JSONEq(t, `{"video":"a.mp4","output":"a.segments.json","segments":4}`, string(data))

	var signals []string
	for _, ev := range hist.Events {
		if ev.Kind == runstate.EventSignalAccepted {
			signals = append(signals, strings.Fields(ev.Detail)[0])
		}
	}
	assert.Equal(t, []string{"retry", "approve"}, signals)

	orc.Flush()
	notices := h.notes.all()
	require.Len(t, notices, 1)
	assert.Equal(t, "COMPLETED", notices[0].Status)
	assert.Equal(t, run.ID, notices[0].RunID)
}

func TestDriveBlocksAtGateUntilSignalled(t *testing.T) {
	h := newHarness(t, nil)
	orc := h.orchestrator(t, nil)
	ctx := context.Background()

	run, err := orc.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)

	type result struct {
		run *runstate.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := orc.Drive(ctx, run.ID)
		done <- result{r, err}
	}()

	waitForStatus(t, orc, run.ID, runstate.StatusAwaitingApproval, 1)
	_, err = orc.Retry(ctx, run.ID)
	require.NoError(t, err)
	waitForStatus(t, orc, run.ID, runstate.StatusAwaitingApproval, 2)
	_, err = orc.Approve(ctx, run.ID)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, runstate.StatusCompleted, res.run.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("drive did not finish")
	}
}

func TestApprovalTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	orc := h.orchestrator(t, nil, orchestrator.WithApprovalTimeout(50*time.Millisecond))
	ctx := context.Background()

	run, err := orc.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)
	run, err = orc.Drive(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, run.Status)
	assert.Equal(t, "ApprovalTimeoutError", run.Error)
	assert.Equal(t, "segmenter", run.CurrentStage)

	_, err = orc.Approve(ctx, run.ID)
	assert.True(t, errors.Is(err, services.ErrInvalidState), "late approve is rejected")

	orc.Flush()
	notices := h.notes.all()
	require.Len(t, notices, 1)
	assert.Equal(t, "FAILED", notices[0].Status)
	assert.Equal(t, "ApprovalTimeoutError", notices[0].Error)
}

func TestStartRunRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	orc := h.orchestrator(t, nil)

	for _, input := range []string{"", "   ", "null", "[]", "{}", `"a.mp4"`, `{"video":`, `{"video":1e400}`} {
		_, err := orc.StartRun(context.Background(), json.RawMessage(input))
		require.Error(t, err, input)
		assert.True(t, errors.Is(err, services.ErrInvalidInput), input)
		assert.Equal(t, "InvalidInputError", services.KindName(err), input)
	}
	runs, err := orc.ListRuns(context.Background(), runstate.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStartRunStoresCanonicalInput(t *testing.T) {
	h := newHarness(t, nil)
	orc := h.orchestrator(t, nil)
	ctx := context.Background()

	a, err := orc.StartRun(ctx, json.RawMessage(`{ "video": "a.mp4", "segments": 2 }`))
	require.NoError(t, err)
	b, err := orc.StartRun(ctx, json.RawMessage(`{"segments":2,"video":"a.mp4"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.InputFingerprint, b.InputFingerprint)
	assert.Equal(t, `{"segments":2,"video":"a.mp4"}`, string(a.Input))
}

func TestStartRunAcceptsFractionalNumbers(t *testing.T) {
	h := newHarness(t, nil)
	orc := h.orchestrator(t, nil)
	ctx := context.Background()

	a, err := orc.StartRun(ctx, json.RawMessage(`{"video":"a.mp4","start":1.50,"fps":29.97}`))
	require.NoError(t, err)
	b, err := orc.StartRun(ctx, json.RawMessage(`{"fps":2997e-2,"start":1.5,"video":"a.mp4"}`))
	require.NoError(t, err)
	assert.Equal(t, a.InputFingerprint, b.InputFingerprint)
	assert.Equal(t, `{"fps":29.97,"start":1.5,"video":"a.mp4"}`, string(a.Input))
}

func TestSignalsRejectedWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	orc := h.orchestrator(t, nil)
	ctx := context.Background()

	run, err := orc.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)

	_, err = orc.Approve(ctx, run.ID)
	assert.True(t, errors.Is(err, services.ErrInvalidState))
	_, err = orc.Retry(ctx, run.ID)
	assert.True(t, errors.Is(err, services.ErrInvalidState))

	progress, err := orc.Progress(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusRunning, progress.Status)
	assert.Equal(t, "ingest", progress.CurrentStage)
}

func TestStageFailureFailsRun(t *testing.T) {
	broken := stage.HandlerFunc(func(context.Context, stage.Input) (stage.Result, error) {
		return stage.Result{}, services.Wrap(services.ErrTransient, "segmenter", "execute", "encoder busy", nil)
	})
	h := newHarness(t, map[string]stage.Handler{"segmenter": broken})
	orc := h.orchestrator(t, nil)
	ctx := context.Background()

	run, err := orc.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)
	run, err = orc.Drive(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, run.Status)
	assert.True(t, strings.HasPrefix(run.Error, "StageExecutionError: "), run.Error)
	assert.Contains(t, run.Error, "encoder busy")
	assert.EqualValues(t, 3, h.count("segmenter"))
	assert.Empty(t, run.WorkerID)
}

type crashingStore struct {
	runstate.Store
	crash atomic.Bool
}

func (c *crashingStore) Transition(ctx context.Context, u runstate.Update) (*runstate.Run, error) {
	if c.crash.Load() {
		return nil, errors.New("connection reset")
	}
	return c.Store.Transition(ctx, u)
}

func TestResumeAfterCrashReplaysFinishedStage(t *testing.T) {
	h := newHarness(t, nil)
	flaky := &crashingStore{Store: h.store}
	first := h.orchestrator(t, flaky)
	ctx := context.Background()

	run, err := first.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)

	// The stage succeeds but the process dies before the run moves on.
	flaky.crash.Store(true)
	_, err = first.Step(ctx, run.ID)
	require.Error(t, err)
	assert.EqualValues(t, 1, h.count("ingest"))

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusRunning, stored.Status)
	assert.Equal(t, "ingest", stored.CurrentStage)

	restarted := h.orchestrator(t, nil)
	run, err = restarted.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusAwaitingApproval, run.Status)
	assert.EqualValues(t, 1, h.count("ingest"), "finished stage is replayed from its record")
	assert.EqualValues(t, 1, h.count("segmenter"))
}

func TestResumeTakesOverStaleExecution(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	orc := h.orchestrator(t, nil)

	run, err := orc.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)
	run, err = orc.Step(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "segmenter", run.CurrentStage)

	// A worker claimed the segmenter call and then vanished.
	execs, err := h.store.ListExecutions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	key, err := activity.Key(stage.Input{
		RunID:    run.ID,
		StageID:  "segmenter",
		Attempt:  1,
		Payload:  run.Input,
		Upstream: map[string]stage.Upstream{"ingest": {Ref: execs[0].ResultRef}},
	})
	require.NoError(t, err)
	_, claimed, err := h.store.ClaimExecution(ctx, key, "dead-worker", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	later := func() time.Time { return time.Now().Add(time.Hour) }
	restarted := h.orchestrator(t, nil, orchestrator.WithExecutorOptions(activity.WithClock(later)))
	run, err = restarted.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusAwaitingApproval, run.Status)
	assert.EqualValues(t, 1, h.count("segmenter"))

	rec, err := h.store.GetExecution(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, runstate.OutcomeSucceeded, rec.Outcome)
	assert.NotEqual(t, "dead-worker", rec.ClaimToken)
}

func TestCancelAwaitingRun(t *testing.T) {
	h := newHarness(t, nil)
	orc := h.orchestrator(t, nil)
	ctx := context.Background()

	run, err := orc.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)
	run, err = orc.Advance(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, runstate.StatusAwaitingApproval, run.Status)

	progress, err := orc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, progress.Status)
	assert.Equal(t, "CancelledError", progress.Error)

	_, err = orc.Cancel(ctx, run.ID)
	assert.True(t, errors.Is(err, services.ErrInvalidState))
	_, err = orc.Approve(ctx, run.ID)
	assert.True(t, errors.Is(err, services.ErrInvalidState))

	orc.Flush()
	require.Len(t, h.notes.all(), 1)
}

func TestCancelInterruptsStageCall(t *testing.T) {
	started := make(chan struct{})
	blocking := stage.HandlerFunc(func(ctx context.Context, in stage.Input) (stage.Result, error) {
		close(started)
		<-ctx.Done()
		return stage.Result{}, ctx.Err()
	})
	h := newHarness(t, map[string]stage.Handler{"segmenter": blocking})
	orc := h.orchestrator(t, nil)
	ctx := context.Background()

	run, err := orc.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)

	advanced := make(chan *runstate.Run, 1)
	go func() {
		r, _ := orc.Advance(ctx, run.ID)
		advanced <- r
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("segmenter never started")
	}

	progress, err := orc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, progress.Status)
	assert.Equal(t, "CancelledError", progress.Error)

	select {
	case r := <-advanced:
		require.NotNil(t, r)
		assert.Equal(t, runstate.StatusFailed, r.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("advance did not return after cancel")
	}
	assert.Zero(t, orc.InFlight())

	execs, err := h.store.ListExecutions(ctx, run.ID)
	require.NoError(t, err)
	for _, rec := range execs {
		assert.NotEqual(t, runstate.OutcomeInProgress, rec.Outcome, "%s left IN_PROGRESS", rec.StageID)
	}

	orc.Flush()
	require.Len(t, h.notes.all(), 1)
}

func TestNotifyFailureIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.notes.err = errors.New("webhook down")
	orc := h.orchestrator(t, nil)
	ctx := context.Background()

	run, err := orc.StartRun(ctx, json.RawMessage(videoInput))
	require.NoError(t, err)
	_, err = orc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	orc.Flush()

	hist, err := orc.History(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, hist.Run.Status, "alert failure does not change the outcome")
	var found bool
	for _, ev := range hist.Events {
		if ev.Kind == runstate.EventNotifyFailed {
			found = true
			assert.Contains(t, ev.Detail, "webhook down")
		}
	}
	assert.True(t, found, "notify_failed event missing")
}

func TestUnknownRun(t *testing.T) {
	h := newHarness(t, nil)
	orc := h.orchestrator(t, nil)

	_, err := orc.Progress(context.Background(), "nope")
	assert.True(t, errors.Is(err, services.ErrNotFound))
	_, err = orc.Cancel(context.Background(), "nope")
	assert.True(t, errors.Is(err, services.ErrNotFound))
	_, err = orc.Step(context.Background(), "nope")
	assert.True(t, errors.Is(err, services.ErrNotFound))
}
