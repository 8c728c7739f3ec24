package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// DefaultMaxRetries is applied to every job at submission.
const DefaultMaxRetries = 3

// Error codes recorded on failed jobs.
const (
	ErrorCodeTimeout             = "TIMEOUT"
	ErrorCodeInterrupted         = "INTERRUPTED"
	ErrorCodeTemplateUnavailable = "TEMPLATE_UNAVAILABLE"
	ErrorCodeUploadFailed        = "UPLOAD_FAILED"
	ErrorCodeRenderRejected      = "RENDER_REJECTED"
	ErrorCodeToolFailed          = "TOOL_FAILED"
	ErrorCodeInternal            = "INTERNAL_ERROR"
)

// transitions lists the statuses each status may move to.
var transitions = map[string][]string{
	JobStatusPending:    {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusQueued, JobStatusCancelled},
}

// Job is one request to regenerate a GLB preview for a style with a set of
// customization parameters. Clients submit it with POST /api/v1/generate and
// poll GET /api/v1/jobs/{job_id} until it reaches a terminal status.
type Job struct {
	ID           uuid.UUID      `db:"id"            json:"id"`
	ClientID     uuid.UUID      `db:"client_id"     json:"client_id"`
	StyleID      uuid.UUID      `db:"style_id"      json:"style_id"`
	Parameters   map[string]any `db:"parameters"    json:"parameters"`
	Status       string         `db:"status"        json:"status"`
	Progress     int            `db:"progress"      json:"progress"`
	ResultURL    *string        `db:"result_url"    json:"result_url,omitempty"`
	ErrorCode    *string        `db:"error_code"    json:"error_code,omitempty"`
	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int            `db:"retry_count"   json:"retry_count"`
	MaxRetries   int            `db:"max_retries"   json:"max_retries"`
	WorkerID     *string        `db:"worker_id"     json:"worker_id,omitempty"`
	CreatedAt    time.Time      `db:"created_at"    json:"created_at"`
	StartedAt    *time.Time     `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time     `db:"completed_at"  json:"completed_at,omitempty"`
	UpdatedAt    time.Time      `db:"updated_at"    json:"updated_at"`
}

// JobStatus is the read-only view of a job returned to pollers.
type JobStatus struct {
	JobID        uuid.UUID `json:"job_id"`
	ClientID     uuid.UUID `json:"client_id"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	ResultURL    *string   `json:"result_url"`
	ErrorCode    *string   `json:"error_code"`
	ErrorMessage *string   `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
}

// Snapshot returns the polling view of j.
func (j *Job) Snapshot() *JobStatus {
	return &JobStatus{
		JobID:        j.ID,
		ClientID:     j.ClientID,
		Status:       j.Status,
		Progress:     j.Progress,
		ResultURL:    j.ResultURL,
		ErrorCode:    j.ErrorCode,
		ErrorMessage: j.ErrorMessage,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
	}
}

// IsTerminal reports whether no further transitions are possible from status.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// IsValidStatus reports whether status is one of the known job statuses.
func IsValidStatus(status string) bool {
	switch status {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	return slices.Contains(transitions[from], to)
}

// AllowedFrom returns every status from which a job may move to status, in a
// stable order. It is empty for pending, which is only ever an initial status.
func AllowedFrom(to string) []string {
	var from []string
	for _, s := range []string{JobStatusPending, JobStatusQueued, JobStatusProcessing} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// NonTerminalStatuses lists the statuses a job can be found in before it finishes.
func NonTerminalStatuses() []string {
	return []string{JobStatusPending, JobStatusQueued, JobStatusProcessing}
}
