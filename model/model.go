package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority selects the queue lane a job is dispatched from.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// JobStatus is the lifecycle state of a job. The jobs table is the single
// source of truth for it.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusTimeout   JobStatus = "timeout"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// JobResult is attached to a job once it reaches a terminal state.
type JobResult struct {
	ExitCode        *int    `json:"exitCode,omitempty"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	ArtifactKey     string  `json:"artifactKey,omitempty"`
	ArtifactURL     string  `json:"artifactUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// Job is the unit of work tracked by the orchestrator.
//
// ExecutionHandle holds the container ID of the sandbox and is set exactly
// once, when the job transitions to running.
type Job struct {
	ID              string         `db:"id" json:"jobId"`
	SubmitterID     string         `db:"submitter_id" json:"submitterId"`
	TargetURL       string         `db:"target_url" json:"targetUrl"`
	Priority        Priority       `db:"priority" json:"priority"`
	Status          JobStatus      `db:"status" json:"status"`
	TimeoutSeconds  int            `db:"timeout_seconds" json:"timeoutSeconds"`
	Metadata        map[string]any `db:"metadata" json:"metadata,omitempty"`
	RetryCount      int            `db:"retry_count" json:"retryCount"`
	ExecutionHandle string         `db:"execution_handle" json:"executionHandle,omitempty"`
	Result          *JobResult     `db:"result" json:"result,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	StartedAt       *time.Time     `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
}

// NewJobID returns a monotonic-sortable job identifier. UUIDv7 keeps
// creation order when sorting by id.
func NewJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("job-%s", id), nil
}

// SubmitRequest is the incoming API payload before persistence.
type SubmitRequest struct {
	TargetURL      string         `json:"targetUrl"`
	SubmitterID    string         `json:"submitterId"`
	Priority       Priority       `json:"priority,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SubmitResponse is returned after a successful submission.
type SubmitResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// LogLine is a single entry read back from the log sink. Seq is the
// continuation token for tailing.
type LogLine struct {
	Seq       int64     `db:"seq" json:"-"`
	JobID     string    `db:"job_id" json:"-"`
	Timestamp time.Time `db:"ts" json:"timestamp"`
	Message   string    `db:"message" json:"message"`
}

// LogStreamEvent is one frame of the log-stream subscription.
type LogStreamEvent struct {
	Status    string     `json:"status,omitempty"` // "", "waiting", "complete"
	JobStatus JobStatus  `json:"jobStatus,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Message   string     `json:"message,omitempty"`
}
