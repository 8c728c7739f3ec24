package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mss-industries/configurator/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")
var ErrInvalidJob = errors.New("invalid job")

// InvalidTransitionError reports a status change rejected because the job was
// no longer in a status the change is allowed from. From is the status the
// job was found in.
type InvalidTransitionError struct {
	JobID uuid.UUID
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition for %s: %s -> %s", e.JobID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, clientID *uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateStyle(ctx context.Context, style *models.Style) error

	JobStore
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
}

// JobStore is the subset of Store the executor needs. Every status change
// goes through TransitionJob, which applies it only if the job is still in a
// status the change is allowed from.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	TransitionJob(ctx context.Context, id uuid.UUID, to string, opts ...JobUpdateOption) (*models.Job, error)
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error
	ListNonTerminalJobs(ctx context.Context) ([]*models.Job, error)
	GetStyle(ctx context.Context, id uuid.UUID) (*models.Style, error)
}

type JobFilter struct {
	ClientID *uuid.UUID
	Status   string
	Limit    int
}

// NormalizedLimit clamps the filter limit to 1..100, defaulting to 20.
func (f JobFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return 20
	case f.Limit > 100:
		return 100
	}
	return f.Limit
}

// ValidateNewJob checks the fields a freshly submitted job must have.
func ValidateNewJob(job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: new job must be pending, got %q", ErrInvalidJob, job.Status)
	}
	if job.RetryCount != 0 {
		return fmt.Errorf("%w: new job must have retry_count 0", ErrInvalidJob)
	}
	if job.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidJob)
	}
	if job.Progress != 0 {
		return fmt.Errorf("%w: new job must have progress 0", ErrInvalidJob)
	}
	return nil
}

// JobUpdate carries the optional column changes applied with a transition.
// Exported so alternative Store implementations can apply the same options.
type JobUpdate struct {
	WorkerID       *string
	ResultURL      *string
	ErrorCode      *string
	ErrorMessage   *string
	Progress       *int
	IncrementRetry bool
}

type JobUpdateOption func(*JobUpdate)

// ApplyJobUpdateOptions folds opts into a JobUpdate.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) *JobUpdate {
	u := &JobUpdate{}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func WithWorkerID(id string) JobUpdateOption {
	return func(u *JobUpdate) {
		u.WorkerID = &id
	}
}

func WithResultURL(url string) JobUpdateOption {
	return func(u *JobUpdate) {
		u.ResultURL = &url
	}
}

func WithError(code, msg string) JobUpdateOption {
	return func(u *JobUpdate) {
		u.ErrorCode = &code
		u.ErrorMessage = &msg
	}
}

// WithProgress raises progress to n; it never lowers it.
func WithProgress(n int) JobUpdateOption {
	return func(u *JobUpdate) {
		u.Progress = &n
	}
}

// WithRetryIncrement consumes one retry. The transition is rejected when the
// job has no retries left.
func WithRetryIncrement() JobUpdateOption {
	return func(u *JobUpdate) {
		u.IncrementRetry = true
	}
}
