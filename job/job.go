package job

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/plan4better/goat-core-sub000/errors"
)

// Status represents the state of a job or of a single step within it.
// The same vocabulary is used at both granularities.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusKilled   Status = "killed"
	StatusTimeout  Status = "timeout"
)

// IsTerminal returns true for states that end a lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusKilled, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusFinished,
		StatusFailed, StatusKilled, StatusTimeout:
		return true
	default:
		return false
	}
}

// MsgType classifies a step message
type MsgType string

const (
	MsgInfo    MsgType = "info"
	MsgWarning MsgType = "warning"
	MsgError   MsgType = "error"
)

// Msg is the human-readable outcome attached to a step
type Msg struct {
	Type MsgType `json:"type"`
	Text string  `json:"text"`
}

// Step tracks one named phase inside a job. A step transitions
// pending -> running -> {finished|failed|killed|timeout} and never regresses.
type Step struct {
	Status         Status     `json:"status"`
	TimestampStart *time.Time `json:"timestamp_start,omitempty"`
	TimestampEnd   *time.Time `json:"timestamp_end,omitempty"`
	Msg            *Msg       `json:"msg,omitempty"`
}

// Job is one submitted unit of work. The Status step map grows
// monotonically in execution order; StatusSimple is the coarse lifecycle
// state observed by callers and by the external kill API.
type Job struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ProjectID    string          `json:"project_id"`
	Type         string          `json:"type"`
	LayerIDs     []string        `json:"layer_ids"`
	Status       StepMap         `json:"status"`
	StatusSimple Status          `json:"status_simple"`
	MsgSimple    string          `json:"msg_simple,omitempty"`
	Read         bool            `json:"read"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewJob creates a pending job record for the given owner and tool type.
func NewJob(userID, projectID, jobType string, payload json.RawMessage) (*Job, error) {
	if userID == "" {
		return nil, errors.New("userID cannot be empty")
	}
	if jobType == "" {
		return nil, errors.New("jobType cannot be empty")
	}

	now := time.Now()
	return &Job{
		ID:           uuid.New().String(),
		UserID:       userID,
		ProjectID:    projectID,
		Type:         jobType,
		LayerIDs:     []string{},
		StatusSimple: StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ExecContext is the immutable execution context threaded through the
// runner, step executors, and compensation. It replaces any reliance on
// shared mutable receiver state: everything a frame needs travels with it.
type ExecContext struct {
	JobID     string
	UserID    string
	ProjectID string
	DB        *sql.DB
}

// Result is the structured outcome a tool (or the engine on its behalf)
// hands back to a synchronous caller. Background callers receive only the
// job id and poll the store instead.
type Result struct {
	Status  Status          `json:"status"`
	Msg     string          `json:"msg,omitempty"`
	JobID   string          `json:"job_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FinishedResult builds a happy-path result.
func FinishedResult(msg string) Result {
	return Result{Status: StatusFinished, Msg: msg}
}

// KilledResult is the sentinel returned when a kill was detected at a
// step boundary. It is a signaled outcome, not an error.
func KilledResult() Result {
	return Result{Status: StatusKilled, Msg: "job killed"}
}
