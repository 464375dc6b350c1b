package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/plan4better/goat-core-sub000/errors"
)

// MaxOrphanedJobs limits how many orphaned jobs one recovery pass will
// handle, to avoid overwhelming the system after a crash.
const MaxOrphanedJobs = 1000

// DefaultRecoveryGrace is the age a non-terminal job must reach before a
// recovery pass against a possibly live engine will touch it. Every store
// write bumps updated_at, so a job a worker is actively driving stays
// younger than this.
const DefaultRecoveryGrace = 5 * time.Minute

// RecoverOrphans finalizes non-terminal jobs abandoned by a worker
// process that exited without resolving them: running jobs whose worker
// died mid-step, and pending jobs that were accepted into a queue that
// was never drained. There is no requeue: partially executed work is
// compensated and the job is failed, so the consumer sees a terminal
// state instead of a job that runs forever.
//
// olderThan bounds recovery to jobs untouched for at least that long,
// which makes the pass safe against a concurrently executing worker.
// Pass zero only when no workers are dispatched yet, e.g. on startup.
func RecoverOrphans(ctx context.Context, store *Store, comp *CompensationRegistry, olderThan time.Duration, log *zap.SugaredLogger) (int, error) {
	log = log.Named("recover")

	orphans, err := store.ListStalled(olderThan, MaxOrphanedJobs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list stalled jobs")
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	log.Warnw("Found orphaned jobs from previous run", "count", len(orphans))

	recovered := 0
	for _, j := range orphans {
		select {
		case <-ctx.Done():
			return recovered, errors.Wrap(ctx.Err(), "orphan recovery interrupted")
		default:
		}

		if err := recoverOrphan(ctx, store, comp, log, j); err != nil {
			log.Errorw("Failed to recover orphaned job",
				"job_id", j.ID,
				"error", err,
			)
			continue
		}
		recovered++
	}

	log.Infow("Orphan recovery complete", "recovered", recovered, "total", len(orphans))
	return recovered, nil
}

func recoverOrphan(ctx context.Context, store *Store, comp *CompensationRegistry, log *zap.SugaredLogger, j *Job) error {
	ec := ExecContext{
		JobID:     j.ID,
		UserID:    j.UserID,
		ProjectID: j.ProjectID,
		DB:        store.DB(),
	}

	// Compensation first, so partial artifacts are gone before the job is
	// declared failed. Errors inside Compensate are logged, not returned.
	comp.Compensate(ctx, ec, j.Type)

	// Any step that was mid-flight when the worker died is closed out. A
	// pending orphan never started a step, so the loop is a no-op for it.
	now := time.Now()
	for _, name := range j.Status.Names() {
		step, ok := j.Status.Get(name)
		if !ok || step.Status != StatusRunning {
			continue
		}
		step.Status = StatusFailed
		step.TimestampEnd = &now
		step.Msg = &Msg{Type: MsgError, Text: "worker process exited"}
		if err := store.UpdateStep(j.ID, name, step); err != nil {
			return errors.Wrapf(err, "failed to close out step %q", name)
		}
	}

	msg := "worker process exited"
	if j.StatusSimple == StatusPending {
		msg = "job was never started"
	}

	if err := store.UpdateStatusSimple(j.ID, StatusFailed); err != nil {
		return errors.Wrap(err, "failed to fail orphaned job")
	}
	if err := store.SetMsgSimple(j.ID, msg); err != nil {
		return errors.Wrap(err, "failed to set orphan failure message")
	}

	log.Infow("Recovered orphaned job", "job_id", j.ID, "type", j.Type, "was", j.StatusSimple)
	return nil
}
