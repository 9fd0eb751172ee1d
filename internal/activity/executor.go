package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cliprun/internal/fingerprint"
	"cliprun/internal/logging"
	"cliprun/internal/objectstore"
	"cliprun/internal/runstate"
	"cliprun/internal/services"
	"cliprun/internal/stage"
)

// Store is the persistence the executor needs.
type Store interface {
	runstate.ExecutionStore
	runstate.EventLog
}

// Output is the result of one execution.
type Output struct {
	Key  runstate.ExecutionKey
	Ref  string
	Data json.RawMessage
	// Tries counts stage calls made for this record across claims.
	Tries int
	// Cached is true when the stage was not called because a SUCCEEDED
	// record already existed.
	Cached bool
}

// Executor runs stages at most once per execution key.
type Executor struct {
	store        Store
	results      objectstore.Store
	resultPrefix string
	logger       *slog.Logger
	policy       Policy
	grace        time.Duration
	heartbeat    time.Duration
	waitInterval time.Duration
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
	newToken     func() string
	locks        keyLock
}

// Option customizes an Executor.
type Option func(*Executor)

// WithGrace sets how old an IN_PROGRESS heartbeat must be before the record
// is taken over.
func WithGrace(d time.Duration) Option {
	return func(e *Executor) { e.grace = d }
}

// WithHeartbeat sets how often an in-flight record's heartbeat is refreshed.
func WithHeartbeat(d time.Duration) Option {
	return func(e *Executor) { e.heartbeat = d }
}

// WithWaitInterval sets how often a record held elsewhere is polled.
func WithWaitInterval(d time.Duration) Option {
	return func(e *Executor) { e.waitInterval = d }
}

// WithResultPrefix sets the object key prefix for stage results.
func WithResultPrefix(prefix string) Option {
	return func(e *Executor) { e.resultPrefix = prefix }
}

// WithClock overrides the time source used for the elapsed-time ceiling and
// staleness checks.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleeper overrides how backoff waits are performed (useful for tests).
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor wires an executor over store and results.
func NewExecutor(store Store, results objectstore.Store, policy Policy, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:        store,
		results:      results,
		resultPrefix: "runs",
		logger:       logging.NewComponentLogger(logger, "activity"),
		policy:       policy.normalized(),
		grace:        5 * time.Minute,
		heartbeat:    20 * time.Second,
		waitInterval: 250 * time.Millisecond,
		now:          time.Now,
		sleep:        sleepContext,
		newToken:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Key computes the execution key for calling st with in.
func Key(in stage.Input) (runstate.ExecutionKey, error) {
	fp, err := fingerprint.StageInput(in.FingerprintSource())
	if err != nil {
		return runstate.ExecutionKey{}, services.Wrap(services.ErrInvalidInput, in.StageID, "fingerprint input",
			"Stage input is not canonical JSON", err)
	}
	return runstate.ExecutionKey{RunID: in.RunID, StageID: in.StageID, Fingerprint: fp, Attempt: in.Attempt}, nil
}

// Execute runs st for in unless a SUCCEEDED record already exists for the
// same key. Failures after the retry budget are reported as
// services.ErrStageExecution; cancellation as services.ErrCancelled.
func (e *Executor) Execute(ctx context.Context, st stage.Stage, in stage.Input) (Output, error) {
	in.StageID = st.ID
	if in.Attempt <= 0 {
		in.Attempt = 1
	}
	key, err := Key(in)
	if err != nil {
		return Output{}, stageFailure(st.ID, 0, err)
	}
	ctx = services.WithStage(services.WithRunID(ctx, in.RunID), st.ID)
	logger := logging.WithContext(ctx, e.logger)

	if out, ok, err := e.cached(ctx, key); err != nil || ok {
		if ok {
			logger.Debug("stage result replayed", logging.String("result_ref", out.Ref))
		}
		return out, err
	}

	unlock := e.locks.lock(lockKey(key))
	defer unlock()

	token := e.newToken()
	rec, err := e.claim(ctx, key, token)
	if err != nil {
		return Output{}, err
	}
	if rec.Outcome == runstate.OutcomeSucceeded {
		return e.load(ctx, rec)
	}

	logger.Info("stage execution claimed",
		logging.String("fingerprint", key.Fingerprint),
		logging.Int("attempt", key.Attempt),
		logging.Int("prior_tries", rec.Tries),
	)
	return e.run(ctx, logger, st, in, key, token, rec.Tries)
}

// cached returns the stored result when the record already SUCCEEDED.
func (e *Executor) cached(ctx context.Context, key runstate.ExecutionKey) (Output, bool, error) {
	rec, err := e.store.GetExecution(ctx, key)
	if errors.Is(err, runstate.ErrNotFound) {
		return Output{}, false, nil
	}
	if err != nil {
		return Output{}, false, stageFailure(key.StageID, 0, err)
	}
	if rec.Outcome != runstate.OutcomeSucceeded {
		return Output{}, false, nil
	}
	out, err := e.load(ctx, rec)
	return out, err == nil, err
}

func (e *Executor) load(ctx context.Context, rec *runstate.StageExecution) (Output, error) {
	data, err := e.results.Get(ctx, rec.ResultRef)
	if err != nil {
		return Output{}, stageFailure(rec.StageID, rec.Tries, fmt.Errorf("load stored result: %w", err))
	}
	return Output{Key: rec.ExecutionKey, Ref: rec.ResultRef, Data: data, Tries: rec.Tries, Cached: true}, nil
}

// claim takes the record for key, waiting while another holder keeps its
// heartbeat fresh. The returned record is SUCCEEDED when the other holder
// finished the work.
func (e *Executor) claim(ctx context.Context, key runstate.ExecutionKey, token string) (*runstate.StageExecution, error) {
	for {
		var (
			rec     *runstate.StageExecution
			claimed bool
		)
		err := e.bookkeep(ctx, key.StageID, func() error {
			var claimErr error
			rec, claimed, claimErr = e.store.ClaimExecution(ctx, key, token, e.now().Add(-e.grace))
			return claimErr
		})
		if err != nil {
			return nil, err
		}
		if claimed || rec.Outcome == runstate.OutcomeSucceeded {
			return rec, nil
		}
		if err := e.sleep(ctx, e.waitInterval); err != nil {
			return nil, cancelled(key.StageID, err)
		}
	}
}

func (e *Executor) run(
	ctx context.Context,
	logger *slog.Logger,
	st stage.Stage,
	in stage.Input,
	key runstate.ExecutionKey,
	token string,
	tries int,
) (Output, error) {
	callCtx, stopHeartbeat := e.keepAlive(ctx, logger, key, token)
	defer stopHeartbeat()

	// The elapsed ceiling also bounds a call that is still running.
	budgetCtx := callCtx
	if e.policy.MaxElapsed > 0 {
		var cancelBudget context.CancelFunc
		budgetCtx, cancelBudget = context.WithTimeout(callCtx, e.policy.MaxElapsed)
		defer cancelBudget()
	}

	started := e.now()
	var lastErr error
	for try := 1; try <= e.policy.MaxAttempts; try++ {
		tries++
		e.event(ctx, logger, key, runstate.EventAttemptStarted, fmt.Sprintf("attempt %d try %d", key.Attempt, try))

		result, err := e.call(budgetCtx, st, in)
		if err == nil {
			e.event(ctx, logger, key, runstate.EventAttemptFinished, fmt.Sprintf("try %d succeeded", try))
			return e.succeed(ctx, logger, key, token, result, tries)
		}
		lastErr = err
		e.event(ctx, logger, key, runstate.EventAttemptFinished, fmt.Sprintf("try %d failed: %v", try, err))

		if ctx.Err() != nil {
			return Output{}, e.abandon(ctx, logger, key, token, tries)
		}
		if callCtx.Err() != nil {
			// Heartbeat lost the claim; another executor owns the record now.
			return Output{}, stageFailure(key.StageID, tries, fmt.Errorf("execution claim lost: %w", err))
		}
		if budgetCtx.Err() != nil {
			logging.WarnWithContext(logger, "stage call exceeded retry budget", "stage_retry_deadline",
				logging.Int("try", try),
				logging.Duration("max_elapsed", e.policy.MaxElapsed),
				logging.String(logging.FieldErrorHint, "check the stage collaborator or raise retry.max_elapsed_seconds"),
				logging.String(logging.FieldImpact, "stage marked failed"),
			)
			lastErr = fmt.Errorf("exceeded %s elapsed limit: %w", e.policy.MaxElapsed, err)
			break
		}
		if permanent(err) {
			logging.WarnWithContext(logger, "stage rejected input", "stage_permanent_failure",
				logging.Int("try", try),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "fix the run input or stage configuration and start a new run"),
				logging.String(logging.FieldImpact, "stage will not be retried"),
			)
			break
		}
		if try == e.policy.MaxAttempts {
			break
		}
		delay := e.policy.Delay(try)
		if e.policy.MaxElapsed > 0 && e.now().Sub(started)+delay > e.policy.MaxElapsed {
			logging.WarnWithContext(logger, "stage retry budget exhausted", "stage_retry_deadline",
				logging.Int("try", try),
				logging.Duration("max_elapsed", e.policy.MaxElapsed),
				logging.String(logging.FieldImpact, "stage marked failed before max attempts"),
			)
			break
		}
		logging.WarnWithContext(logger, "stage call failed; retrying", "stage_retry",
			logging.Int("try", try),
			logging.Duration("backoff", delay),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the stage collaborator"),
			logging.String(logging.FieldImpact, "stage will be retried"),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return Output{}, e.abandon(ctx, logger, key, token, tries)
		}
	}

	failure := stageFailure(key.StageID, tries, lastErr)
	if err := e.finish(ctx, key, token, runstate.OutcomeFailed, "", services.FailureMessage(failure), tries); err != nil {
		logging.ErrorWithContext(logger, "failed to record stage failure", "stage_record_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check run store connectivity"),
		)
	}
	logging.ErrorWithContext(logger, "stage failed", "stage_failed",
		logging.Int("tries", tries),
		logging.Error(lastErr),
		logging.String(logging.FieldErrorHint, "inspect the stage collaborator, then start a new run"),
	)
	return Output{}, failure
}

func (e *Executor) call(ctx context.Context, st stage.Stage, in stage.Input) (result stage.Result, err error) {
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = services.Wrap(services.ErrExternalTool, st.ID, "execute", fmt.Sprintf("stage panicked: %v", r), nil)
		}
	}()
	result, err = st.Handler.Execute(ctx, in)
	if err == nil && len(result.Data) > 0 && !json.Valid(result.Data) {
		err = services.Wrap(services.ErrExternalTool, st.ID, "execute", "stage returned invalid JSON", nil)
	}
	return result, err
}

func (e *Executor) succeed(
	ctx context.Context,
	logger *slog.Logger,
	key runstate.ExecutionKey,
	token string,
	result stage.Result,
	tries int,
) (Output, error) {
	data := result.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	objectKey := objectstore.ResultKey(e.resultPrefix, key.RunID, key.StageID, key.Attempt, key.Fingerprint)
	var ref string
	if err := e.bookkeep(ctx, key.StageID, func() error {
		var putErr error
		ref, putErr = e.results.Put(ctx, objectKey, data, contentType)
		return putErr
	}); err != nil {
		if ctx.Err() != nil {
			return Output{}, e.abandon(ctx, logger, key, token, tries)
		}
		_ = e.finish(ctx, key, token, runstate.OutcomeFailed, "", services.FailureMessage(err), tries)
		return Output{}, err
	}

	err := e.finish(ctx, key, token, runstate.OutcomeSucceeded, ref, "", tries)
	if err != nil {
		// Someone else resolved the record; honour their success.
		if rec, getErr := e.store.GetExecution(context.WithoutCancel(ctx), key); getErr == nil && rec.Outcome == runstate.OutcomeSucceeded {
			return e.load(ctx, rec)
		}
		return Output{}, err
	}
	logger.Info("stage succeeded",
		logging.Int("tries", tries),
		logging.String("result_ref", ref),
	)
	return Output{Key: key, Ref: ref, Data: data, Tries: tries}, nil
}

// abandon resolves the record FAILED after cancellation so that it does not
// linger IN_PROGRESS, then reports the cancellation.
func (e *Executor) abandon(ctx context.Context, logger *slog.Logger, key runstate.ExecutionKey, token string, tries int) error {
	detached := context.WithoutCancel(ctx)
	if _, err := e.store.FinishExecution(detached, key, token, runstate.OutcomeFailed, "", "cancelled", tries); err != nil {
		logging.WarnWithContext(logger, "failed to resolve cancelled execution", "stage_cancel_record_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "record stays IN_PROGRESS until its grace period passes"),
		)
	}
	logger.Info("stage cancelled", logging.Int("tries", tries))
	return cancelled(key.StageID, ctx.Err())
}

func (e *Executor) finish(ctx context.Context, key runstate.ExecutionKey, token string, outcome runstate.Outcome, ref, errMsg string, tries int) error {
	return e.bookkeep(context.WithoutCancel(ctx), key.StageID, func() error {
		_, err := e.store.FinishExecution(context.WithoutCancel(ctx), key, token, outcome, ref, errMsg, tries)
		if errors.Is(err, runstate.ErrConflict) {
			return backoffStop{err}
		}
		return err
	})
}

// keepAlive refreshes the record heartbeat while a call runs. The returned
// context is cancelled when the claim is lost.
func (e *Executor) keepAlive(ctx context.Context, logger *slog.Logger, key runstate.ExecutionKey, token string) (context.Context, func()) {
	callCtx, cancel := context.WithCancel(ctx)
	if e.heartbeat <= 0 {
		return callCtx, cancel
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-callCtx.Done():
				return
			case <-ticker.C:
				err := e.store.TouchExecution(callCtx, key, token)
				if errors.Is(err, runstate.ErrConflict) {
					logging.WarnWithContext(logger, "execution claim lost", "stage_claim_lost",
						logging.String(logging.FieldImpact, "in-flight stage call cancelled"),
					)
					cancel()
					return
				}
				if err != nil && callCtx.Err() == nil {
					logger.Debug("heartbeat refresh failed", logging.Error(err))
				}
			}
		}
	}()
	return callCtx, func() {
		close(done)
		cancel()
	}
}

func (e *Executor) event(ctx context.Context, logger *slog.Logger, key runstate.ExecutionKey, kind runstate.EventKind, detail string) {
	if _, err := e.store.AppendEvent(context.WithoutCancel(ctx), runstate.Event{
		RunID:   key.RunID,
		Kind:    kind,
		StageID: key.StageID,
		Detail:  detail,
	}); err != nil {
		logger.Debug("append event failed", logging.String("kind", string(kind)), logging.Error(err))
	}
}

// backoffStop marks a bookkeeping error that must not be retried.
type backoffStop struct{ err error }

func (b backoffStop) Error() string { return b.err.Error() }
func (b backoffStop) Unwrap() error { return b.err }

// bookkeep retries store and result-sink operations within the policy budget
// and reclassifies a final failure as a stage execution error.
func (e *Executor) bookkeep(ctx context.Context, stageID string, op func() error) error {
	var err error
	for try := 1; try <= e.policy.MaxAttempts; try++ {
		err = op()
		if err == nil {
			return nil
		}
		var stop backoffStop
		if errors.As(err, &stop) {
			return stageFailure(stageID, 0, stop.err)
		}
		if ctx.Err() != nil {
			return cancelled(stageID, ctx.Err())
		}
		if try == e.policy.MaxAttempts {
			break
		}
		if sleepErr := e.sleep(ctx, e.policy.Delay(try)); sleepErr != nil {
			return cancelled(stageID, sleepErr)
		}
	}
	return stageFailure(stageID, 0, err)
}

func permanent(err error) bool {
	return errors.Is(err, services.ErrInvalidInput) || errors.Is(err, services.ErrConfiguration)
}

func stageFailure(stageID string, tries int, cause error) error {
	msg := "stage failed"
	if tries > 0 {
		msg = fmt.Sprintf("failed after %d tries", tries)
	}
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return services.Wrap(services.ErrStageExecution, stageID, "execute", msg, nil)
}

func cancelled(stageID string, cause error) error {
	return services.Wrap(services.ErrCancelled, stageID, "execute", "execution cancelled", cause)
}

func lockKey(key runstate.ExecutionKey) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%d", key.RunID, key.StageID, key.Fingerprint, key.Attempt)
}
