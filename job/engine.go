package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plan4better/goat-core-sub000/config"
	"github.com/plan4better/goat-core-sub000/errors"
)

// Engine is the composition root of the job system: store, compensation
// registry, runner, scheduler, and mode selector wired together from one
// configuration. Everything the engine does is reachable through the
// individual components too; the engine just owns their lifecycle.
type Engine struct {
	store     *Store
	comp      *CompensationRegistry
	runner    *Runner
	scheduler *BackgroundScheduler
	selector  *ModeSelector
	log       *zap.SugaredLogger

	mu          sync.RWMutex
	stepTimeout time.Duration
	seenTools   map[string]bool
}

// NewEngine wires the job engine from configuration. The context bounds the
// background scheduler; cancelling it stops all workers.
func NewEngine(ctx context.Context, db *sql.DB, cfg *config.Config, log *zap.SugaredLogger) *Engine {
	log = log.Named("jobs")

	store := NewStore(db)
	comp := NewCompensationRegistry(db,
		time.Duration(cfg.Jobs.OrphanWindowMinutes)*time.Minute, log)
	runner := NewRunner(store, comp, log)

	scheduler := NewBackgroundScheduler(ctx, SchedulerConfig{
		Workers:          cfg.Jobs.Workers,
		QueueDepth:       64,
		MaxJobsPerMinute: cfg.Jobs.MaxJobsPerMinute,
	}, log)

	selector := NewModeSelector(cfg.Jobs.RunInBackground, scheduler, log)

	return &Engine{
		store:       store,
		comp:        comp,
		runner:      runner,
		scheduler:   scheduler,
		selector:    selector,
		stepTimeout: time.Duration(cfg.Jobs.StepTimeoutSeconds) * time.Second,
		seenTools:   make(map[string]bool),
		log:         log,
	}
}

// Start recovers orphaned jobs from a previous run and spawns the
// background workers. Recovery failures are logged, not fatal.
func (e *Engine) Start(ctx context.Context) {
	// No workers are dispatched yet, so every non-terminal job is an
	// orphan; no age bound needed.
	if _, err := RecoverOrphans(ctx, e.store, e.comp, 0, e.log); err != nil {
		e.log.Warnw("Orphan recovery failed", "error", err)
	}
	e.scheduler.Start()
}

// Stop shuts down the background scheduler with a bounded wait.
func (e *Engine) Stop() {
	e.scheduler.Stop()
}

// Store exposes the job store for polling, kill requests, and the CLI.
func (e *Engine) Store() *Store {
	return e.store
}

// Registry exposes the compensation registry so tools can register undo
// handlers before any job is submitted.
func (e *Engine) Registry() *CompensationRegistry {
	return e.comp
}

// NewStep builds a step executor carrying the engine's configured default
// timeout. Tools chain WithTimeout for per-step overrides.
func (e *Engine) NewStep(name string) *StepExecutor {
	ex := NewStepExecutor(name, e.store, e.comp, e.log)
	e.mu.RLock()
	timeout := e.stepTimeout
	e.mu.RUnlock()
	return ex.WithTimeout(timeout)
}

// Submit creates a pending job record for the tool and dispatches it in
// the configured execution mode. A tool's compensation handlers (if it
// implements Compensator) are merged into the registry on the first
// submission of that tool type.
func (e *Engine) Submit(ctx context.Context, userID, projectID string, tool Tool, payload json.RawMessage) (Result, error) {
	j, err := NewJob(userID, projectID, tool.Type(), payload)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to build job")
	}
	j.Payload = payload

	if err := e.store.Create(j); err != nil {
		return Result{}, errors.Wrapf(err, "failed to persist job %s", j.ID)
	}

	e.mu.Lock()
	if !e.seenTools[tool.Type()] {
		e.seenTools[tool.Type()] = true
		e.comp.RegisterTool(tool)
	}
	e.mu.Unlock()

	ec := ExecContext{
		JobID:     j.ID,
		UserID:    userID,
		ProjectID: projectID,
		DB:        e.store.DB(),
	}
	return e.selector.Dispatch(ctx, ec, e.runner, tool)
}

// ApplyConfig applies a reloaded configuration to the running engine.
// Only runtime-tunable settings take effect; worker count changes require
// a restart.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.selector.SetRunInBackground(cfg.Jobs.RunInBackground)
	e.comp.SetOrphanWindow(time.Duration(cfg.Jobs.OrphanWindowMinutes) * time.Minute)

	e.mu.Lock()
	e.stepTimeout = time.Duration(cfg.Jobs.StepTimeoutSeconds) * time.Second
	e.mu.Unlock()

	e.log.Infow("Configuration applied",
		"run_in_background", cfg.Jobs.RunInBackground,
		"step_timeout_seconds", cfg.Jobs.StepTimeoutSeconds,
	)
}
