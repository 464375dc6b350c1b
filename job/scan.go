package job

import (
	"database/sql"
	"encoding/json"

	"github.com/plan4better/goat-core-sub000/errors"
)

// JobScanArgs holds the intermediate variables needed when scanning a job
// row: JSON-encoded columns land here as strings before being decoded
// into the Job struct.
type JobScanArgs struct {
	LayerIDs sql.NullString
	Status   sql.NullString
	Payload  sql.NullString
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns the scan destinations for the job and scan args,
// in the order expected by the standard job SELECT query
func GetJobScanTargets(j *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&j.ID,
		&j.UserID,
		&j.ProjectID,
		&j.Type,
		&args.LayerIDs,
		&args.Status,
		&j.StatusSimple,
		&j.MsgSimple,
		&j.Read,
		&args.Payload,
		&j.CreatedAt,
		&j.UpdatedAt,
	}
}

// ProcessJobScanArgs decodes the scanned JSON columns into the job struct.
func ProcessJobScanArgs(j *Job, args *JobScanArgs) error {
	j.LayerIDs = []string{}
	if args.LayerIDs.Valid && args.LayerIDs.String != "" {
		if err := json.Unmarshal([]byte(args.LayerIDs.String), &j.LayerIDs); err != nil {
			return errors.Wrapf(err, "failed to unmarshal layer ids for job %s", j.ID)
		}
	}

	if args.Status.Valid && args.Status.String != "" {
		if err := json.Unmarshal([]byte(args.Status.String), &j.Status); err != nil {
			return errors.Wrapf(err, "failed to unmarshal step map for job %s", j.ID)
		}
	}

	if args.Payload.Valid {
		j.Payload = []byte(args.Payload.String)
	}

	return nil
}

// ScanJobFromRow scans a single job from a sql.Row
func ScanJobFromRow(row *sql.Row, j *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(j, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	return ProcessJobScanArgs(j, args)
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, j *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(j, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	return ProcessJobScanArgs(j, args)
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, user_id, project_id, type, layer_ids,
		status, status_simple, msg_simple, read, payload,
		created_at, updated_at`
}
