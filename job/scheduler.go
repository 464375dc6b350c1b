package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/plan4better/goat-core-sub000/errors"
)

// stopTimeout bounds how long Stop waits for the queue to drain and
// in-flight jobs to finish before returning.
const stopTimeout = 30 * time.Second

// BackgroundScheduler executes tasks on a fixed pool of workers fed by a
// bounded channel. Admission is rate limited so a burst of submissions does
// not dogpile the database, and a memory pressure check at startup warns when
// the configured worker count exceeds what the host can carry.
//
// Stop drains: every task accepted by Schedule runs before the workers exit,
// so a caller that was told its job was accepted is not silently dropped.
// Cancelling the parent context is the hard path and forgoes the drain;
// orphan recovery finalizes whatever that leaves behind.
type BackgroundScheduler struct {
	tasks      chan func()
	workers    int
	queueDepth int
	limiter    *rate.Limiter
	parentCtx  context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        *zap.SugaredLogger

	// sendMu serializes sends on tasks against Stop closing it.
	sendMu sync.RWMutex

	mu       sync.Mutex
	started  bool
	draining bool
	quit     chan struct{}
}

// SchedulerConfig contains configuration for the background scheduler.
type SchedulerConfig struct {
	Workers          int `json:"workers"`             // Number of concurrent workers
	QueueDepth       int `json:"queue_depth"`         // Bounded task channel capacity
	MaxJobsPerMinute int `json:"max_jobs_per_minute"` // Admission rate limit (0 disables)
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:          4,
		QueueDepth:       64,
		MaxJobsPerMinute: 60,
	}
}

// NewBackgroundScheduler creates a scheduler derived from ctx. Cancelling the
// parent context stops the workers; Stop does the same with a bounded drain.
func NewBackgroundScheduler(ctx context.Context, cfg SchedulerConfig, log *zap.SugaredLogger) *BackgroundScheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}

	var limiter *rate.Limiter
	if cfg.MaxJobsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxJobsPerMinute)/60.0), cfg.MaxJobsPerMinute)
	}

	schedCtx, cancel := context.WithCancel(ctx)
	return &BackgroundScheduler{
		tasks:      make(chan func(), cfg.QueueDepth),
		workers:    cfg.Workers,
		queueDepth: cfg.QueueDepth,
		limiter:    limiter,
		parentCtx:  ctx,
		ctx:        schedCtx,
		cancel:     cancel,
		log:        log.Named("scheduler"),
		quit:       make(chan struct{}),
	}
}

// Start spawns the worker goroutines. Safe to call after Stop; a fresh
// context and task channel are derived so the scheduler restarts cleanly.
func (s *BackgroundScheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.ctx.Done():
		s.ctx, s.cancel = context.WithCancel(s.parentCtx)
	default:
	}
	if s.draining {
		s.tasks = make(chan func(), s.queueDepth)
		s.quit = make(chan struct{})
		s.draining = false
	}
	s.started = true
	ctx := s.ctx
	tasks := s.tasks
	s.mu.Unlock()

	if warning := checkMemoryPressure(s.workers); warning != "" {
		s.log.Warnw("Memory pressure warning", "warning", warning, "workers", s.workers)
	}

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i, tasks)
	}
	s.log.Infow("Background scheduler started", "workers", s.workers)
}

// Schedule enqueues a task for execution. It blocks while the rate limiter
// withholds admission or the task channel is full, and fails when ctx or the
// scheduler itself is shut down. A nil return means the task will run.
func (s *BackgroundScheduler) Schedule(ctx context.Context, task func()) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "failed to acquire scheduling slot")
		}
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	s.mu.Lock()
	draining := s.draining
	tasks := s.tasks
	schedCtx := s.ctx
	quit := s.quit
	s.mu.Unlock()

	if draining {
		return errors.New("scheduler is shutting down")
	}
	select {
	case <-schedCtx.Done():
		return errors.New("scheduler is shutting down")
	default:
	}

	select {
	case tasks <- task:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "failed to schedule task")
	case <-quit:
		return errors.New("scheduler is shutting down")
	case <-schedCtx.Done():
		return errors.New("scheduler is shutting down")
	}
}

// Stop refuses new admissions, closes the task channel, and waits up to
// stopTimeout for the workers to drain the queue and finish in-flight jobs.
// Jobs still running after the timeout keep running; their final status
// lands in the store either way.
func (s *BackgroundScheduler) Stop() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.started = false
	tasks := s.tasks
	close(s.quit)
	s.mu.Unlock()

	// Unblock any Schedule parked on a full channel, then close the channel
	// so the workers drain it and exit.
	s.sendMu.Lock()
	close(tasks)
	s.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Infow("Scheduler stopped, queue drained")
	case <-time.After(stopTimeout):
		s.log.Warnw("Scheduler stop timeout, workers may still be finishing", "timeout", stopTimeout)
	}
	s.cancel()
}

// Workers returns the configured worker count.
func (s *BackgroundScheduler) Workers() int {
	return s.workers
}

// worker drains its task channel until it is closed. Context cancellation
// is the hard exit used when the parent context dies without a drain.
func (s *BackgroundScheduler) worker(ctx context.Context, id int, tasks <-chan func()) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			s.runTask(id, task)
		}
	}
}

// runTask contains panics so one misbehaving job cannot take down a worker.
func (s *BackgroundScheduler) runTask(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("Worker recovered from panic",
				"worker_id", id,
				"panic", r,
			)
		}
	}()
	task()
}
