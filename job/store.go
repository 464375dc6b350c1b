package job

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plan4better/goat-core-sub000/errors"
)

// Store handles persistence of job records. Every write commits its own
// transaction; the engine never assumes multi-statement atomicity beyond a
// single call.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for step transactions and compensation.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Create inserts a new job record
func (s *Store) Create(j *Job) error {
	layerIDs, err := json.Marshal(j.LayerIDs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal layer ids")
	}
	status, err := json.Marshal(j.Status)
	if err != nil {
		return errors.Wrap(err, "failed to marshal step map")
	}

	query := `
		INSERT INTO jobs (
			id, user_id, project_id, type,
			layer_ids, status, status_simple, msg_simple,
			read, payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload := sql.NullString{String: string(j.Payload), Valid: len(j.Payload) > 0}

	_, err = s.db.Exec(query,
		j.ID,
		j.UserID,
		j.ProjectID,
		j.Type,
		string(layerIDs),
		string(status),
		j.StatusSimple,
		j.MsgSimple,
		j.Read,
		payload,
		j.CreatedAt,
		j.UpdatedAt,
	)

	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Type: %s", j.Type))
		return err
	}

	return nil
}

// Get retrieves a job by ID
func (s *Store) Get(id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	var j Job
	args := GetJobScanArgs()
	targets := GetJobScanTargets(&j, args)

	err := s.db.QueryRow(query, id).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	if err := ProcessJobScanArgs(&j, args); err != nil {
		return nil, err
	}

	return &j, nil
}

// Refresh re-reads a job directly from the database. The store keeps no
// process-local cache, but call sites that make control decisions from the
// kill flag use Refresh to make the fresh-read requirement explicit: the
// mutation they are looking for happens out-of-process.
func (s *Store) Refresh(id string) (*Job, error) {
	return s.Get(id)
}

// Activate transitions a job to running at the start of execution. The
// write is conditional on the job not being killed, mirroring the Kill
// guard from the other side: a kill that landed while the job was still
// pending wins over activation and is reported as ErrJobKilled.
func (s *Store) Activate(id string) error {
	result, err := s.db.Exec(
		`UPDATE jobs SET status_simple = ?, updated_at = ? WHERE id = ? AND status_simple != ?`,
		StatusRunning, time.Now(), id, StatusKilled,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to activate job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		return nil
	}

	// Zero rows: the job is missing or a kill already landed.
	j, err := s.Get(id)
	if err != nil {
		return err
	}
	if j.StatusSimple == StatusKilled {
		return errors.Wrapf(ErrJobKilled, "job %s", id)
	}
	return errors.NewConflictError("job %s cannot be activated in state %s", id, j.StatusSimple)
}

// UpdateStatusSimple sets the coarse lifecycle state of a job
func (s *Store) UpdateStatusSimple(id string, status Status) error {
	result, err := s.db.Exec(
		`UPDATE jobs SET status_simple = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job status")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", status))
		return err
	}
	return requireRow(result, id)
}

// SetMsgSimple sets the short human-readable summary of the job outcome
func (s *Store) SetMsgSimple(id string, msg string) error {
	result, err := s.db.Exec(
		`UPDATE jobs SET msg_simple = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job message")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return err
	}
	return requireRow(result, id)
}

// UpdateStep upserts one named step in the job's ordered step map and
// writes the map back. Within one job, steps are only touched by its
// single worker, so the read-modify-write needs no row lock.
func (s *Store) UpdateStep(id string, name string, step *Step) error {
	j, err := s.Get(id)
	if err != nil {
		return errors.Wrapf(err, "failed to load job for step update %q", name)
	}

	j.Status.Set(name, step)
	status, err := json.Marshal(j.Status)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal step map for job %s", id)
	}

	_, err = s.db.Exec(
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job step")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Step: %s", name))
		return err
	}
	return nil
}

// AppendLayerID records a produced layer on the job. Called only after the
// corresponding create-layer step has durably committed; layer_ids only
// ever grows.
func (s *Store) AppendLayerID(id string, layerID string) error {
	j, err := s.Get(id)
	if err != nil {
		return errors.Wrap(err, "failed to load job for layer append")
	}

	layerIDs, err := json.Marshal(append(j.LayerIDs, layerID))
	if err != nil {
		return errors.Wrapf(err, "failed to marshal layer ids for job %s", id)
	}

	_, err = s.db.Exec(
		`UPDATE jobs SET layer_ids = ?, updated_at = ? WHERE id = ?`,
		string(layerIDs), time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to append layer id")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Layer ID: %s", layerID))
		return err
	}
	return nil
}

// MarkRead sets the consumer-facing read flag. Irrelevant to execution.
func (s *Store) MarkRead(id string, read bool) error {
	result, err := s.db.Exec(
		`UPDATE jobs SET read = ?, updated_at = ? WHERE id = ?`,
		read, time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to mark job read")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return err
	}
	return requireRow(result, id)
}

// Kill implements the external kill contract: a job may be killed only
// while pending or running; any other current state rejects the request.
// The check and the write happen in one transaction so two racing kill
// requests cannot both succeed against a terminal job.
func (s *Store) Kill(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin kill transaction")
	}
	defer tx.Rollback()

	var current Status
	err = tx.QueryRow(`SELECT status_simple FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read job status for kill")
	}

	if current != StatusPending && current != StatusRunning {
		return errors.NewConflictError("job %s cannot be killed in state %s", id, current)
	}

	_, err = tx.Exec(
		`UPDATE jobs SET status_simple = ?, msg_simple = ?, updated_at = ? WHERE id = ?`,
		StatusKilled, "killed by user request", time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to kill job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		return err
	}

	return tx.Commit()
}

// List returns jobs, optionally filtered by coarse status
func (s *Store) List(status *Status, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	if status != nil {
		query = baseQuery + ` WHERE status_simple = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListActive returns all jobs that are currently pending or running
func (s *Store) ListActive(limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE status_simple IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "active jobs")
}

// ListStalled returns pending and running jobs whose last write is at or
// before now minus olderThan, oldest first. Recovery uses the age bound to
// skip jobs a live worker may still be driving; olderThan of zero matches
// every non-terminal job.
func (s *Store) ListStalled(olderThan time.Duration, limit int) ([]*Job, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE status_simple IN ('pending', 'running')
		  AND updated_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stalled jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "stalled jobs")
}

// CleanupOldJobs removes terminal jobs older than the specified duration.
// The engine itself never deletes jobs; this backs operator-driven
// retention via the CLI.
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE status_simple IN ('finished', 'failed', 'killed', 'timeout')
		  AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := ScanJobFromRows(rows, &j); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &j)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

// requireRow converts a zero-rows-affected update into a not-found error
func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}
