package job

import (
	"context"

	"go.uber.org/zap"

	"github.com/plan4better/goat-core-sub000/errors"
)

// Entrypoint is a tool's single top-level function. It drives one or more
// step executors and returns the tool's structured result. It is the only
// frame whose errors the engine fully absorbs: a background-scheduled job
// must never crash its host process.
type Entrypoint func(ctx context.Context, ec ExecContext) (Result, error)

// Tool is the contract a unit of work presents to the engine: a type tag
// (stored on the job record and used for compensation lookup) and its
// entrypoint. Tools that also implement Compensator override the generic
// cleanup for the step names they cover.
type Tool interface {
	Type() string
	Run(ctx context.Context, ec ExecContext) (Result, error)
}

// Runner wraps tool entrypoints and owns the overall job outcome: exactly
// one terminal status_simple is reached per invocation, whatever the
// entrypoint does. Individual step outcomes are owned by StepExecutor.
type Runner struct {
	store *Store
	comp  *CompensationRegistry
	log   *zap.SugaredLogger
}

// NewRunner creates a runner over the given store and compensation
// registry.
func NewRunner(store *Store, comp *CompensationRegistry, log *zap.SugaredLogger) *Runner {
	return &Runner{
		store: store,
		comp:  comp,
		log:   log.Named("runner"),
	}
}

// RunTool runs a tool's entrypoint under the runner's containment.
func (r *Runner) RunTool(ctx context.Context, ec ExecContext, tool Tool) Result {
	return r.Run(ctx, ec, tool.Type(), tool.Run)
}

// Run activates the job, invokes the entrypoint, and resolves the
// terminal state. Errors escaping the entrypoint are recorded on the job
// and swallowed; the caller receives a structured Result whose Status
// communicates the outcome.
func (r *Runner) Run(ctx context.Context, ec ExecContext, name string, entry Entrypoint) Result {
	if err := r.store.Activate(ec.JobID); err != nil {
		if errors.Is(err, ErrJobKilled) {
			// Killed while still pending (e.g. waiting in the background
			// queue); the entrypoint never starts.
			r.comp.Compensate(ctx, ec, name)
			r.log.Infow("Job killed before start",
				"job_id", ec.JobID,
				"type", name,
			)
			return Result{Status: StatusKilled, Msg: "job killed", JobID: ec.JobID}
		}
		r.log.Errorw("Failed to activate job",
			"job_id", ec.JobID,
			"error", err,
		)
		return Result{Status: StatusFailed, Msg: err.Error(), JobID: ec.JobID}
	}
	r.log.Infow("Job started",
		"job_id", ec.JobID,
		"type", name,
	)

	res, err := r.invoke(ctx, ec, entry)
	if err != nil {
		return r.resolveError(ctx, ec, name, err)
	}

	switch res.Status {
	case StatusKilled, StatusTimeout, StatusFailed:
		// Terminal state already written by the step executor (or by the
		// external kill request); do not overwrite it.
		res.JobID = ec.JobID
		r.log.Infow("Job ended",
			"job_id", ec.JobID,
			"type", name,
			"status", res.Status,
		)
		return res
	default:
		msg := res.Msg
		if msg == "" {
			msg = "job finished"
		}
		r.finalize(ec, StatusFinished, msg)
		res.Status = StatusFinished
		res.JobID = ec.JobID
		r.log.Infow("Job finished",
			"job_id", ec.JobID,
			"type", name,
		)
		return res
	}
}

// invoke calls the entrypoint with panic containment, converting a panic
// into an error so the terminal-state guarantee holds even for bugs in
// tool code.
func (r *Runner) invoke(ctx context.Context, ec ExecContext, entry Entrypoint) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("entrypoint panicked: %v", rec)
		}
	}()
	return entry(ctx, ec)
}

// resolveError classifies an error that escaped the entrypoint and writes
// the corresponding terminal state. The error is recorded, not re-raised.
func (r *Runner) resolveError(ctx context.Context, ec ExecContext, name string, err error) Result {
	var terr *TimeoutError
	switch {
	case errors.As(err, &terr):
		// The step executor already compensated and recorded the timeout;
		// the runner centralizes the overall outcome.
		r.finalize(ec, StatusTimeout, terr.Error())
		r.log.Warnw("Job timed out",
			"job_id", ec.JobID,
			"type", name,
			"step", terr.Step,
		)
		return Result{Status: StatusTimeout, Msg: terr.Error(), JobID: ec.JobID}

	case errors.Is(err, ErrJobKilled):
		// Kill already marked by the external request; nothing to write.
		r.log.Infow("Job killed",
			"job_id", ec.JobID,
			"type", name,
		)
		return Result{Status: StatusKilled, Msg: "job killed", JobID: ec.JobID}

	default:
		// Unclassified escape: compensate once more defensively
		// (compensation is idempotent) and fail the job.
		r.comp.Compensate(ctx, ec, name)
		r.finalize(ec, StatusFailed, err.Error())
		r.log.Errorw("Job failed",
			"job_id", ec.JobID,
			"type", name,
			"error", err,
		)
		return Result{Status: StatusFailed, Msg: err.Error(), JobID: ec.JobID}
	}
}

// finalize writes the terminal coarse state. Write failures are logged:
// at this point there is no better frame to report them to.
func (r *Runner) finalize(ec ExecContext, status Status, msg string) {
	if err := r.store.UpdateStatusSimple(ec.JobID, status); err != nil {
		r.log.Errorw("Failed to finalize job status",
			"job_id", ec.JobID,
			"status", status,
			"error", err,
		)
	}
	if err := r.store.SetMsgSimple(ec.JobID, msg); err != nil {
		r.log.Errorw("Failed to finalize job message",
			"job_id", ec.JobID,
			"error", err,
		)
	}
}
