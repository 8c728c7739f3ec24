// Package generation accepts generation requests from clients and answers
// their status polls. Execution itself belongs to the worker package.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mss-industries/configurator/internal/cache"
	"github.com/mss-industries/configurator/internal/metrics"
	"github.com/mss-industries/configurator/internal/schema"
	"github.com/mss-industries/configurator/internal/store"
	"github.com/mss-industries/configurator/pkg/models"
)

// ErrValidation marks a request rejected before any job was created.
// Parameter schema violations are reported as *schema.ValidationError instead.
var ErrValidation = errors.New("validation failed")

const defaultSnapshotTTL = 30 * time.Minute

// Dispatcher hands accepted jobs to the executor and interrupts them on
// cancel. *worker.Executor satisfies it.
type Dispatcher interface {
	Dispatch(job *models.Job) bool
	Cancel(id uuid.UUID) bool
}

type Config struct {
	MaxRetries  int
	SnapshotTTL time.Duration
}

type SubmitRequest struct {
	StyleID    uuid.UUID
	Parameters map[string]any
}

type CreateStyleRequest struct {
	Name                string
	TemplateBlobPath    string
	CustomizationSchema json.RawMessage
}

// Service implements job submission, polling, and cancellation.
type Service struct {
	store      store.Store
	cache      cache.Cache
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        Config

	schemas sync.Map // style ID -> *compiledSchema
}

type compiledSchema struct {
	updatedAt time.Time
	schema    *schema.Schema
}

// NewService creates a Service. A zero SnapshotTTL uses 30 minutes.
func NewService(st store.Store, ca cache.Cache, d Dispatcher, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = defaultSnapshotTTL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = models.DefaultMaxRetries
	}
	return &Service{
		store:      st,
		cache:      ca,
		dispatcher: d,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
	}
}

// Submit validates the parameters against the style's customization schema,
// records a pending job, and starts it in the background. It returns as soon
// as the job row exists.
func (s *Service) Submit(ctx context.Context, req SubmitRequest, caller models.Caller) (*models.Job, error) {
	if req.StyleID == uuid.Nil {
		return nil, fmt.Errorf("%w: style_id is required", ErrValidation)
	}

	style, err := s.store.GetStyle(ctx, req.StyleID)
	if err != nil {
		return nil, fmt.Errorf("style %s: %w", req.StyleID, err)
	}

	sc, err := s.schemaFor(style)
	if err != nil {
		return nil, err
	}
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if err := sc.Validate(params); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		ClientID:   caller.ClientID,
		StyleID:    style.ID,
		Parameters: params,
		Status:     models.JobStatusPending,
		MaxRetries: s.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.metrics.JobsSubmitted.Inc()

	if !s.dispatcher.Dispatch(job) {
		s.logger.Warn("job accepted but not dispatched", "job_id", job.ID)
	}
	s.logger.Info("job submitted", "job_id", job.ID, "style_id", style.ID, "client_id", caller.ClientID)
	return job, nil
}

// GetStatus returns the current snapshot of job id. Jobs owned by another
// client are reported as not found.
//
// Terminal snapshots never change, so a cached one answers the poll without
// a store read. Non-terminal jobs are never cached.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID, caller models.Caller) (*models.JobStatus, error) {
	snap, ok, err := s.cache.GetJobSnapshot(ctx, id)
	if err != nil {
		s.logger.Debug("reading cached job snapshot failed", "job_id", id, "error", err)
	}
	if ok {
		if !caller.CanAccess(snap.ClientID) {
			return nil, store.ErrNotFound
		}
		return snap, nil
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(job.ClientID) {
		return nil, store.ErrNotFound
	}

	snap = job.Snapshot()
	if models.IsTerminal(job.Status) {
		s.cacheSnapshot(ctx, snap)
	}
	return snap, nil
}

// Cancel moves job id to cancelled and interrupts it if it is running.
// Cancelling a terminal job returns *store.InvalidTransitionError.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, caller models.Caller) (*models.JobStatus, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(job.ClientID) {
		return nil, store.ErrNotFound
	}

	cancelled, err := s.store.TransitionJob(ctx, id, models.JobStatusCancelled)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Cancel(id)
	s.metrics.JobsCancelled.Inc()

	snap := cancelled.Snapshot()
	s.cacheSnapshot(ctx, snap)
	s.logger.Info("job cancelled", "job_id", id, "from", job.Status)
	return snap, nil
}

// List returns recent jobs, newest first. Clients only see their own jobs.
func (s *Service) List(ctx context.Context, filter store.JobFilter, caller models.Caller) ([]*models.JobStatus, error) {
	if filter.Status != "" && !models.IsValidStatus(filter.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if !caller.IsAdmin() {
		clientID := caller.ClientID
		filter.ClientID = &clientID
	}

	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]*models.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out, nil
}

// CreateStyle registers a style. Its customization schema must compile.
func (s *Service) CreateStyle(ctx context.Context, req CreateStyleRequest) (*models.Style, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.TemplateBlobPath) == "" {
		return nil, fmt.Errorf("%w: name and template_blob_path are required", ErrValidation)
	}
	raw := req.CustomizationSchema
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if _, err := schema.Compile(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	style := &models.Style{
		ID:                  uuid.New(),
		Name:                req.Name,
		TemplateBlobPath:    req.TemplateBlobPath,
		CustomizationSchema: raw,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateStyle(ctx, style); err != nil {
		return nil, fmt.Errorf("creating style: %w", err)
	}
	return style, nil
}

func (s *Service) schemaFor(style *models.Style) (*schema.Schema, error) {
	if v, ok := s.schemas.Load(style.ID); ok {
		cs := v.(*compiledSchema)
		if cs.updatedAt.Equal(style.UpdatedAt) {
			return cs.schema, nil
		}
	}
	sc, err := schema.Compile(style.CustomizationSchema)
	if err != nil {
		return nil, fmt.Errorf("style %s: %w", style.ID, err)
	}
	s.schemas.Store(style.ID, &compiledSchema{updatedAt: style.UpdatedAt, schema: sc})
	return sc, nil
}

func (s *Service) cacheSnapshot(ctx context.Context, snap *models.JobStatus) {
	if err := s.cache.SetJobSnapshot(ctx, snap, s.cfg.SnapshotTTL); err != nil {
		s.logger.Debug("caching job snapshot failed", "job_id", snap.JobID, "error", err)
	}
}
