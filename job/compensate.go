package job

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plan4better/goat-core-sub000/errors"
)

// DefaultOrphanWindow bounds how far back the generic cleanup looks for
// orphaned user data rows. The window avoids racing unrelated concurrent
// writes by the same user.
const DefaultOrphanWindow = 15 * time.Minute

// UndoFunc is a compensating action for a named step or entrypoint. It
// runs after the step's transaction has been rolled back and must be
// idempotent: a step-level and an entrypoint-level catch may both fire it.
type UndoFunc func(ctx context.Context, ec ExecContext) error

// Compensator is the optional capability a tool implements to override the
// generic cleanup for some of its steps. It replaces convention-based
// method-name lookup with an explicit interface.
type Compensator interface {
	CompensationHandlers() map[string]UndoFunc
}

// CompensationRegistry resolves and invokes the undo logic for a failed,
// killed, or timed-out step. Registered handlers win; everything else gets
// the generic three-phase cleanup.
//
// Handler failures are logged and never propagated: compensation must not
// mask or replace the original failure reason.
type CompensationRegistry struct {
	db           *sql.DB
	orphanWindow time.Duration
	log          *zap.SugaredLogger
	handlers     map[string]UndoFunc
	mu           sync.RWMutex
}

// NewCompensationRegistry creates an empty registry over the given
// database handle. orphanWindow <= 0 selects DefaultOrphanWindow.
func NewCompensationRegistry(db *sql.DB, orphanWindow time.Duration, log *zap.SugaredLogger) *CompensationRegistry {
	if orphanWindow <= 0 {
		orphanWindow = DefaultOrphanWindow
	}
	return &CompensationRegistry{
		db:           db,
		orphanWindow: orphanWindow,
		log:          log.Named("compensation"),
		handlers:     make(map[string]UndoFunc),
	}
}

// SetOrphanWindow adjusts the trailing window for the orphan data phase.
// Values <= 0 are ignored. Safe to call while jobs are running.
func (r *CompensationRegistry) SetOrphanWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.orphanWindow = d
	r.mu.Unlock()
}

// Register adds an undo handler for a step or entrypoint name.
// Panics if a handler is already registered under that name.
func (r *CompensationRegistry) Register(name string, fn UndoFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("compensation handler already registered for: %s", name))
	}
	r.handlers[name] = fn
}

// RegisterTool merges the handlers of a tool that implements Compensator.
// Tools without the capability register nothing and fall back to the
// generic cleanup.
func (r *CompensationRegistry) RegisterTool(tool interface{}) {
	comp, ok := tool.(Compensator)
	if !ok {
		return
	}
	for name, fn := range comp.CompensationHandlers() {
		r.Register(name, fn)
	}
}

// Has checks if an undo handler is registered for a name.
func (r *CompensationRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Compensate undoes the partial work of the named step or entrypoint.
// A registered handler is invoked with its own error containment; absent
// a handler, the generic three-phase cleanup runs.
func (r *CompensationRegistry) Compensate(ctx context.Context, ec ExecContext, name string) {
	r.mu.RLock()
	fn := r.handlers[name]
	r.mu.RUnlock()

	if fn != nil {
		r.log.Infow("Running compensation handler",
			"job_id", ec.JobID,
			"step", name,
		)
		if err := fn(ctx, ec); err != nil {
			r.log.Errorw("Compensation handler failed",
				"job_id", ec.JobID,
				"step", name,
				"error", err,
			)
		}
		return
	}

	r.GenericCleanup(ctx, ec)
}

// GenericCleanup runs the three-phase fallback cleanup, unconditionally
// and in order: orphaned user data, staging tables, created layers.
// Each phase commits independently and is idempotent, so a failure in one
// phase neither undoes an earlier phase nor stops a later one, and running
// the whole cleanup twice is harmless.
func (r *CompensationRegistry) GenericCleanup(ctx context.Context, ec ExecContext) {
	if n, err := r.deleteOrphanData(ctx, ec); err != nil {
		r.log.Errorw("Generic cleanup: orphan data phase failed",
			"job_id", ec.JobID,
			"error", err,
		)
	} else {
		r.log.Infow("Generic cleanup: deleted orphan data",
			"job_id", ec.JobID,
			"rows", n,
		)
	}

	if n, err := r.deleteTempTables(ctx, ec); err != nil {
		r.log.Errorw("Generic cleanup: temp table phase failed",
			"job_id", ec.JobID,
			"error", err,
		)
	} else {
		r.log.Infow("Generic cleanup: dropped temp tables",
			"job_id", ec.JobID,
			"tables", n,
		)
	}

	if n, err := r.deleteCreatedLayers(ctx, ec); err != nil {
		r.log.Errorw("Generic cleanup: layer phase failed",
			"job_id", ec.JobID,
			"error", err,
		)
	} else {
		r.log.Infow("Generic cleanup: deleted created layers",
			"job_id", ec.JobID,
			"layers", n,
		)
	}
}

// deleteOrphanData removes user data rows whose layer no longer exists in
// the catalog, restricted to rows the current user created within the
// trailing window.
func (r *CompensationRegistry) deleteOrphanData(ctx context.Context, ec ExecContext) (int, error) {
	r.mu.RLock()
	window := r.orphanWindow
	r.mu.RUnlock()
	cutoff := time.Now().Add(-window)

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM user_data
		WHERE user_id = ?
		  AND created_at >= ?
		  AND layer_id NOT IN (SELECT id FROM layers)
	`, ec.UserID, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete orphan data")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// deleteTempTables drops every staging table whose name is suffixed with
// the current job id.
func (r *CompensationRegistry) deleteTempTables(ctx context.Context, ec ExecContext) (int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list tables")
	}
	defer rows.Close()

	suffix := "_" + ec.JobID
	var staging []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, errors.Wrap(err, "failed to scan table name")
		}
		if strings.HasSuffix(name, suffix) {
			staging = append(staging, name)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "error iterating tables")
	}

	dropped := 0
	for _, name := range staging {
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name)); err != nil {
			return dropped, errors.Wrapf(err, "failed to drop staging table %s", name)
		}
		dropped++
	}
	return dropped, nil
}

// deleteCreatedLayers removes catalog rows attributed to the current job.
// Project associations cascade away with the catalog row.
func (r *CompensationRegistry) deleteCreatedLayers(ctx context.Context, ec ExecContext) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM layers WHERE job_id = ?`, ec.JobID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete created layers")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
