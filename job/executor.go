package job

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/plan4better/goat-core-sub000/errors"
)

// DefaultStepTimeout is the per-step deadline used when a tool does not
// override it.
const DefaultStepTimeout = 120 * time.Second

// StepFunc is one named phase of a tool. It receives a context carrying
// the step deadline and a transaction for its business writes; the
// executor owns commit and rollback. A StepFunc decides its own outcome
// through the returned Result (finished or failed) and unwinds with an
// error only for unexpected conditions.
type StepFunc func(ctx context.Context, tx *sql.Tx) (Result, error)

// StepExecutor wraps one named phase: deadline enforcement, kill
// detection at the step boundaries, status transitions, and compensation
// dispatch. One value per call site, constructed once and reused.
//
// The kill flag is observed twice: before the phase starts (cheap
// short-circuit) and after it commits (to catch kills that raced with
// in-flight work). There is no cooperative cancellation point inside the
// phase itself; SQL already in flight cannot be interrupted, so the grace
// window is bounded by one phase's duration.
type StepExecutor struct {
	Name    string
	Timeout time.Duration

	store *Store
	comp  *CompensationRegistry
	log   *zap.SugaredLogger
}

// NewStepExecutor creates an executor for the named step with the default
// timeout.
func NewStepExecutor(name string, store *Store, comp *CompensationRegistry, log *zap.SugaredLogger) *StepExecutor {
	return &StepExecutor{
		Name:    name,
		Timeout: DefaultStepTimeout,
		store:   store,
		comp:    comp,
		log:     log.Named("step"),
	}
}

// WithTimeout overrides the per-step deadline and returns the executor
// for chaining.
func (e *StepExecutor) WithTimeout(d time.Duration) *StepExecutor {
	if d > 0 {
		e.Timeout = d
	}
	return e
}

type stepOutcome struct {
	res Result
	err error
}

// Run executes the wrapped phase for the given job.
//
// Error contract: a *TimeoutError or a wrapped phase error propagates to
// the caller; the runner is the only frame permitted to swallow it. A
// detected kill is a signaled outcome: Run returns a Result with
// StatusKilled and a nil error, and the phase's own result (if any) is
// discarded.
func (e *StepExecutor) Run(ctx context.Context, ec ExecContext, fn StepFunc) (Result, error) {
	// Pre-check: skip the phase entirely if the job is already killed.
	j, err := e.store.Refresh(ec.JobID)
	if err != nil {
		return Result{}, errors.Wrapf(err, "step %s: failed to load job", e.Name)
	}
	if j.StatusSimple == StatusKilled {
		e.log.Infow("Step skipped, job already killed",
			"job_id", ec.JobID,
			"step", e.Name,
		)
		e.comp.Compensate(ctx, ec, e.Name)
		return KilledResult(), nil
	}

	start := time.Now()
	running := &Step{Status: StatusRunning, TimestampStart: &start}
	if err := e.store.UpdateStep(ec.JobID, e.Name, running); err != nil {
		return Result{}, errors.Wrapf(err, "step %s: failed to mark running", e.Name)
	}
	e.log.Infow("Step started",
		"job_id", ec.JobID,
		"step", e.Name,
		"timeout", e.Timeout,
	)

	stepCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	tx, err := ec.DB.BeginTx(stepCtx, nil)
	if err != nil {
		return Result{}, errors.Wrapf(err, "step %s: failed to begin transaction", e.Name)
	}

	// Race the phase against its deadline. The phase runs in its own
	// goroutine; if it ignores the context and outlives the deadline, its
	// writes die with the rolled-back transaction.
	outcome := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- stepOutcome{err: errors.Newf("step panicked: %v", r)}
			}
		}()
		res, err := fn(stepCtx, tx)
		outcome <- stepOutcome{res: res, err: err}
	}()

	select {
	case <-stepCtx.Done():
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return e.timedOut(ctx, ec, tx, start)
		}
		return e.cancelled(ctx, ec, tx, start)

	case out := <-outcome:
		// A phase that propagates its context error may deliver the
		// outcome in the same instant the context dies; classify by the
		// context's own error either way.
		if errors.Is(out.err, context.DeadlineExceeded) {
			return e.timedOut(ctx, ec, tx, start)
		}
		if errors.Is(out.err, context.Canceled) && errors.Is(stepCtx.Err(), context.Canceled) {
			return e.cancelled(ctx, ec, tx, start)
		}
		if out.err != nil {
			tx.Rollback()
			e.log.Errorw("Step failed",
				"job_id", ec.JobID,
				"step", e.Name,
				"error", out.err,
			)
			e.comp.Compensate(ctx, ec, e.Name)
			e.finishStep(ec, start, StatusFailed, &Msg{Type: MsgError, Text: out.err.Error()})
			e.markJob(ec, StatusFailed, out.err.Error())
			return Result{}, errors.Wrapf(out.err, "step %s failed", e.Name)
		}

		// The phase's writes become durable here; anything after this
		// point must compensate rather than roll back.
		if err := tx.Commit(); err != nil {
			commitErr := errors.Wrapf(err, "step %s: failed to commit", e.Name)
			e.comp.Compensate(ctx, ec, e.Name)
			e.finishStep(ec, start, StatusFailed, &Msg{Type: MsgError, Text: commitErr.Error()})
			e.markJob(ec, StatusFailed, commitErr.Error())
			return Result{}, commitErr
		}

		// Post-check: force a fresh read to observe a kill that landed
		// while the phase was running. A kill arriving between the commit
		// above and this read is caught; one arriving after this read is
		// caught by the next step's pre-check.
		fresh, err := e.store.Refresh(ec.JobID)
		if err != nil {
			return Result{}, errors.Wrapf(err, "step %s: failed to refresh job", e.Name)
		}
		if fresh.StatusSimple == StatusKilled {
			e.log.Infow("Kill detected after step completion, discarding result",
				"job_id", ec.JobID,
				"step", e.Name,
			)
			e.comp.Compensate(ctx, ec, e.Name)
			e.finishStep(ec, start, StatusKilled, &Msg{Type: MsgInfo, Text: "job killed during step execution"})
			return KilledResult(), nil
		}

		// Success path: the phase's own result decides the step status.
		final := out.res.Status
		if final == "" {
			final = StatusFinished
		}
		msg := &Msg{Type: MsgInfo, Text: out.res.Msg}
		if final == StatusFailed {
			msg.Type = MsgError
		}
		e.finishStep(ec, start, final, msg)
		if final == StatusFailed {
			e.markJob(ec, StatusFailed, out.res.Msg)
		}
		e.log.Infow("Step completed",
			"job_id", ec.JobID,
			"step", e.Name,
			"status", final,
			"duration", time.Since(start),
		)
		return out.res, nil
	}
}

// timedOut resolves the deadline path: roll back, compensate, record the
// step and job as timed out, and surface the typed error for the runner.
func (e *StepExecutor) timedOut(ctx context.Context, ec ExecContext, tx *sql.Tx, start time.Time) (Result, error) {
	tx.Rollback()
	terr := &TimeoutError{Step: e.Name, Timeout: int(e.Timeout.Seconds())}
	e.log.Warnw("Step timed out",
		"job_id", ec.JobID,
		"step", e.Name,
		"timeout", e.Timeout,
	)
	e.comp.Compensate(ctx, ec, e.Name)
	e.finishStep(ec, start, StatusTimeout, &Msg{Type: MsgError, Text: terr.Error()})
	e.markJob(ec, StatusTimeout, terr.Error())
	return Result{}, terr
}

// cancelled resolves a caller-context cancellation. This is not a
// deadline: the step is recorded as failed with the cancellation as its
// message, never as timed out.
func (e *StepExecutor) cancelled(ctx context.Context, ec ExecContext, tx *sql.Tx, start time.Time) (Result, error) {
	tx.Rollback()
	cerr := errors.Wrapf(ctx.Err(), "step %s cancelled", e.Name)
	e.log.Warnw("Step cancelled",
		"job_id", ec.JobID,
		"step", e.Name,
	)
	// The caller's context is already dead; cleanup still has to run.
	e.comp.Compensate(context.WithoutCancel(ctx), ec, e.Name)
	e.finishStep(ec, start, StatusFailed, &Msg{Type: MsgError, Text: cerr.Error()})
	e.markJob(ec, StatusFailed, cerr.Error())
	return Result{}, cerr
}

// finishStep writes the step's terminal record. Failures here are logged
// rather than returned: they must not mask the step outcome being
// reported.
func (e *StepExecutor) finishStep(ec ExecContext, start time.Time, status Status, msg *Msg) {
	end := time.Now()
	step := &Step{
		Status:         status,
		TimestampStart: &start,
		TimestampEnd:   &end,
		Msg:            msg,
	}
	if err := e.store.UpdateStep(ec.JobID, e.Name, step); err != nil {
		e.log.Errorw("Failed to record step outcome",
			"job_id", ec.JobID,
			"step", e.Name,
			"status", status,
			"error", err,
		)
	}
}

// markJob mirrors a non-happy step outcome into the job's coarse state so
// the runner can honor it without overwriting. Idempotent against the
// runner writing the same state again.
func (e *StepExecutor) markJob(ec ExecContext, status Status, msg string) {
	if err := e.store.UpdateStatusSimple(ec.JobID, status); err != nil {
		e.log.Errorw("Failed to update job status",
			"job_id", ec.JobID,
			"status", status,
			"error", err,
		)
	}
	if msg == "" {
		return
	}
	if err := e.store.SetMsgSimple(ec.JobID, msg); err != nil {
		e.log.Errorw("Failed to update job message",
			"job_id", ec.JobID,
			"error", err,
		)
	}
}
