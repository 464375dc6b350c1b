package job

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plan4better/goat-core-sub000/errors"
)

// Layer is a catalog entry for a data layer produced by a job. The job_id
// link is what lets compensation find and remove layers created by a
// failed job.
type Layer struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	JobID     string    `json:"job_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NewLayer creates a catalog entry owned by userID and attributed to jobID.
func NewLayer(userID, jobID, name string) *Layer {
	return &Layer{
		ID:        uuid.New().String(),
		UserID:    userID,
		JobID:     jobID,
		Name:      name,
		CreatedAt: time.Now(),
	}
}

// CreateLayer inserts a catalog row inside the step's transaction.
func CreateLayer(tx *sql.Tx, l *Layer) error {
	_, err := tx.Exec(
		`INSERT INTO layers (id, user_id, job_id, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.JobID, l.Name, l.CreatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create layer")
		err = errors.WithDetail(err, fmt.Sprintf("Layer ID: %s", l.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", l.JobID))
		return err
	}
	return nil
}

// LinkLayerToProject associates a layer with a project. The association is
// dropped automatically when the layer's catalog row is deleted.
func LinkLayerToProject(tx *sql.Tx, layerID, projectID string) error {
	_, err := tx.Exec(
		`INSERT INTO layer_projects (layer_id, project_id) VALUES (?, ?)`,
		layerID, projectID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to link layer to project")
		err = errors.WithDetail(err, fmt.Sprintf("Layer ID: %s", layerID))
		err = errors.WithDetail(err, fmt.Sprintf("Project ID: %s", projectID))
		return err
	}
	return nil
}

// InsertUserData writes one feature row for a layer inside the step's
// transaction.
func InsertUserData(tx *sql.Tx, userID, layerID, geom, attributes string) error {
	_, err := tx.Exec(
		`INSERT INTO user_data (user_id, layer_id, geom, attributes, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, layerID, geom, attributes, time.Now(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to insert user data")
		err = errors.WithDetail(err, fmt.Sprintf("Layer ID: %s", layerID))
		return err
	}
	return nil
}

// CreateStagingTable creates a per-job staging table named
// "<prefix>_<jobID>". The job-id suffix is the contract the generic
// cleanup relies on to drop leftovers.
func CreateStagingTable(tx *sql.Tx, prefix, jobID string) (string, error) {
	name := fmt.Sprintf("%s_%s", prefix, jobID)
	_, err := tx.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (id INTEGER PRIMARY KEY AUTOINCREMENT, geom TEXT, attributes TEXT)`,
		name,
	))
	if err != nil {
		return "", errors.Wrapf(err, "failed to create staging table %s", name)
	}
	return name, nil
}
