package job

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/plan4better/goat-core-sub000/errors"
)

// Scheduler accepts a task for out-of-band execution. There is no return
// channel back to the submitter other than the job store.
type Scheduler interface {
	Schedule(ctx context.Context, task func()) error
}

// ModeSelector decides whether a wrapped entrypoint runs synchronously
// (returning the full result) or is handed to the background scheduler
// (returning immediately with just the job handle). It never touches job
// status itself.
//
// The mode is mutable at runtime: the config watcher flips it on reload.
type ModeSelector struct {
	mu              sync.RWMutex
	runInBackground bool
	scheduler       Scheduler
	log             *zap.SugaredLogger
}

// NewModeSelector creates a selector. scheduler may be nil when
// runInBackground is false.
func NewModeSelector(runInBackground bool, scheduler Scheduler, log *zap.SugaredLogger) *ModeSelector {
	return &ModeSelector{
		runInBackground: runInBackground,
		scheduler:       scheduler,
		log:             log.Named("selector"),
	}
}

// RunInBackground reports the current execution mode.
func (s *ModeSelector) RunInBackground() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runInBackground
}

// SetRunInBackground changes the execution mode for subsequent dispatches.
func (s *ModeSelector) SetRunInBackground(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runInBackground = v
}

// Dispatch routes one tool invocation. Synchronous mode blocks until the
// runner resolves the terminal state and returns the full result.
// Background mode enqueues the invocation and returns a pending result
// carrying only the job id; callers poll the store for the outcome.
func (s *ModeSelector) Dispatch(ctx context.Context, ec ExecContext, runner *Runner, tool Tool) (Result, error) {
	if !s.RunInBackground() {
		return runner.RunTool(ctx, ec, tool), nil
	}

	if s.scheduler == nil {
		return Result{}, errors.New("background mode requires a scheduler")
	}

	// The background invocation outlives the caller's request context;
	// its lifetime belongs to the scheduler.
	err := s.scheduler.Schedule(ctx, func() {
		runner.RunTool(context.Background(), ec, tool)
	})
	if err != nil {
		return Result{}, errors.Wrapf(err, "failed to schedule job %s", ec.JobID)
	}

	s.log.Infow("Job scheduled in background",
		"job_id", ec.JobID,
		"type", tool.Type(),
	)
	return Result{Status: StatusPending, Msg: "job accepted", JobID: ec.JobID}, nil
}
