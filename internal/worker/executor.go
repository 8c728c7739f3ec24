// Package worker runs generation jobs: it moves each job through its status
// lifecycle, bounds tool invocations with the slot limiter, and records every
// outcome on the job row.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mss-industries/configurator/internal/blob"
	"github.com/mss-industries/configurator/internal/metrics"
	"github.com/mss-industries/configurator/internal/render"
	"github.com/mss-industries/configurator/internal/slots"
	"github.com/mss-industries/configurator/internal/store"
	"github.com/mss-industries/configurator/pkg/models"
)

const maxErrorMessageBytes = 2000

// Progress milestones reported while a job runs.
const (
	progressStarted  = 10
	progressFetched  = 25
	progressRendered = 80
	progressDone     = 100
)

var (
	errJobCancelled = errors.New("job cancelled")
	errShutdown     = errors.New("executor shutting down")
)

// Config controls a single job attempt.
type Config struct {
	InvocationTimeout time.Duration
	TemplateContainer string
	ResultContainer   string
	ResultTTL         time.Duration
	WorkDir           string
	Retry             RetryConfig
}

// Executor runs each dispatched job in its own goroutine.
type Executor struct {
	store    store.JobStore
	slots    *slots.Limiter
	tool     render.Tool
	blobs    blob.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	workerID string

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[uuid.UUID]context.CancelCauseFunc
}

// New creates an Executor. Jobs are not run until Dispatch or Recover is
// called.
func New(st store.JobStore, limiter *slots.Limiter, tool render.Tool, blobs blob.Store,
	m *metrics.Metrics, logger *slog.Logger, cfg Config) *Executor {
	baseCtx, stop := context.WithCancelCause(context.Background())
	return &Executor{
		store:    st,
		slots:    limiter,
		tool:     tool,
		blobs:    blobs,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		workerID: NewWorkerID(),
		baseCtx:  baseCtx,
		stop:     stop,
		running:  make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// WorkerID returns the identity recorded on jobs this executor starts.
func (e *Executor) WorkerID() string { return e.workerID }

// Dispatch starts running job in the background and returns immediately.
// job must be pending or queued. It reports false if the executor is shutting
// down, in which case the job is left for the next Recover.
func (e *Executor) Dispatch(job *models.Job) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn("dispatch after shutdown; job left for recovery", "job_id", job.ID)
		return false
	}
	if _, ok := e.running[job.ID]; ok {
		e.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	e.running[job.ID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.forget(job.ID)
		e.run(ctx, job)
	}()
	return true
}

// Cancel interrupts job id if this executor is running it: a slot wait is
// abandoned and a running tool process is killed. The caller is responsible
// for having moved the job to cancelled first.
func (e *Executor) Cancel(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.running[id]
	if ok {
		cancel(errJobCancelled)
	}
	return ok
}

// Shutdown stops every running job and waits for their goroutines to exit.
// Jobs in processing are marked failed with INTERRUPTED; jobs still waiting
// for a slot stay queued.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop(errShutdown)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs to stop: %w", ctx.Err())
	}
}

// RecoveryReport summarises what Recover did.
type RecoveryReport struct {
	Resumed     int
	Interrupted int
}

// Recover reconciles jobs left non-terminal by a previous process. Pending and
// queued jobs never reached the tool and are dispatched again. Processing jobs
// lost their tool process and are marked failed with INTERRUPTED.
func (e *Executor) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	jobs, err := e.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return report, fmt.Errorf("list non-terminal jobs: %w", err)
	}

	for _, job := range jobs {
		switch job.Status {
		case models.JobStatusPending, models.JobStatusQueued:
			if e.Dispatch(job) {
				report.Resumed++
			}
		case models.JobStatusProcessing:
			log := e.logger.With("job_id", job.ID)
			if e.fail(ctx, log, job.ID, models.ErrorCodeInterrupted, "interrupted by service restart") {
				report.Interrupted++
			}
		}
	}

	e.logger.Info("job recovery complete",
		"resumed", report.Resumed,
		"interrupted", report.Interrupted,
	)
	return report, nil
}

func (e *Executor) forget(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.running[id]; ok {
		cancel(nil)
		delete(e.running, id)
	}
}

// run drives one job to a terminal status, or leaves it queued when the
// executor shuts down before the job gets a slot.
func (e *Executor) run(ctx context.Context, job *models.Job) {
	log := e.logger.With("job_id", job.ID, "worker_id", e.workerID)
	dbCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in job", "error", r)
			e.fail(dbCtx, log, job.ID, models.ErrorCodeInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch job.Status {
	case models.JobStatusPending:
		if _, err := e.store.TransitionJob(dbCtx, job.ID, models.JobStatusQueued); err != nil {
			e.logTransitionErr(log, models.JobStatusQueued, err)
			return
		}
	case models.JobStatusQueued:
	default:
		log.Warn("dispatched job is not runnable", "status", job.Status)
		return
	}

	for {
		if done := e.attempt(ctx, log, job.ID); done {
			return
		}
	}
}

// attempt runs the tool once. It returns false only when the job was sent
// back to the queue for a retry and the backoff elapsed.
func (e *Executor) attempt(ctx context.Context, log *slog.Logger, id uuid.UUID) bool {
	dbCtx := context.WithoutCancel(ctx)

	slot, err := e.slots.Acquire(ctx)
	if err != nil {
		log.Info("stopped waiting for execution slot", "cause", context.Cause(ctx))
		return true
	}
	defer slot.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.InvocationTimeout)
	defer cancel()

	job, err := e.store.TransitionJob(dbCtx, id, models.JobStatusProcessing,
		store.WithWorkerID(e.workerID), store.WithProgress(progressStarted))
	if err != nil {
		e.logTransitionErr(log, models.JobStatusProcessing, err)
		return true
	}
	log.Info("job processing", "attempt", job.RetryCount+1, "slots_in_use", e.slots.InUse())

	glb, err := e.render(attemptCtx, dbCtx, log, job)
	if err == nil {
		e.complete(ctx, log, job, glb)
		return true
	}

	switch {
	case ctx.Err() != nil:
		e.interrupted(dbCtx, ctx, log, id)
		return true

	case errors.Is(err, render.ErrTimeout) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		e.fail(dbCtx, log, id, models.ErrorCodeTimeout,
			fmt.Sprintf("generation exceeded %s", e.cfg.InvocationTimeout))
		return true
	}

	var jf *jobFailure
	if errors.As(err, &jf) {
		e.fail(dbCtx, log, id, jf.code, jf.Error())
		return true
	}

	var te *render.ToolError
	if !errors.As(err, &te) {
		e.fail(dbCtx, log, id, models.ErrorCodeInternal, err.Error())
		return true
	}
	if !render.IsTransient(te) {
		e.fail(dbCtx, log, id, models.ErrorCodeRenderRejected, toolFailureMessage("", te))
		return true
	}
	if job.RetryCount >= job.MaxRetries {
		e.fail(dbCtx, log, id, models.ErrorCodeToolFailed,
			toolFailureMessage(fmt.Sprintf("failed after %d attempts: ", job.RetryCount+1), te))
		return true
	}

	requeued, err := e.store.TransitionJob(dbCtx, id, models.JobStatusQueued, store.WithRetryIncrement())
	if err != nil {
		e.logTransitionErr(log, models.JobStatusQueued, err)
		return true
	}
	e.metrics.JobsRetried.Inc()
	slot.Release()

	delay := e.cfg.Retry.Backoff(requeued.RetryCount)
	log.Warn("transient tool failure; job requeued",
		"retry_count", requeued.RetryCount,
		"max_retries", requeued.MaxRetries,
		"backoff", delay,
		"error", te.Error(),
	)
	if err := sleepCtx(ctx, delay); err != nil {
		log.Info("stopped during retry backoff", "cause", err)
		return true
	}
	return false
}

// jobFailure is a non-retryable failure with a specific error code.
type jobFailure struct {
	code string
	err  error
}

func (f *jobFailure) Error() string { return f.err.Error() }
func (f *jobFailure) Unwrap() error { return f.err }

// render fetches the style template into a scratch directory and runs the
// tool on it. ctx carries the invocation deadline.
func (e *Executor) render(ctx, dbCtx context.Context, log *slog.Logger, job *models.Job) ([]byte, error) {
	style, err := e.store.GetStyle(dbCtx, job.StyleID)
	if err != nil {
		return nil, &jobFailure{code: models.ErrorCodeTemplateUnavailable, err: fmt.Errorf("load style %s: %w", job.StyleID, err)}
	}

	tpl, err := e.blobs.Fetch(ctx, e.cfg.TemplateContainer, style.TemplateBlobPath)
	if err != nil {
		return nil, &jobFailure{code: models.ErrorCodeTemplateUnavailable, err: fmt.Errorf("fetch template: %w", err)}
	}
	e.progress(dbCtx, log, job.ID, progressFetched)

	dir, err := os.MkdirTemp(e.cfg.WorkDir, "job-"+job.ID.String()+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	tplPath := filepath.Join(dir, "template"+filepath.Ext(style.TemplateBlobPath))
	if err := os.WriteFile(tplPath, tpl, 0o600); err != nil {
		return nil, fmt.Errorf("write template: %w", err)
	}

	start := time.Now()
	res, err := e.tool.Run(ctx, render.Request{
		JobID:        job.ID,
		TemplatePath: tplPath,
		Parameters:   job.Parameters,
		OutputPath:   filepath.Join(dir, "output.glb"),
	})
	if err != nil {
		e.metrics.RenderDuration.Observe(time.Since(start).Seconds())
		return nil, err
	}
	e.metrics.RenderDuration.Observe(res.Duration.Seconds())
	log.Info("render finished", "tool", e.tool.Name(), "duration_ms", res.Duration.Milliseconds(), "bytes", len(res.GLB))
	e.progress(dbCtx, log, job.ID, progressRendered)
	return res.GLB, nil
}

func (e *Executor) complete(ctx context.Context, log *slog.Logger, job *models.Job, glb []byte) {
	dbCtx := context.WithoutCancel(ctx)

	url, err := e.blobs.Put(ctx, e.cfg.ResultContainer, job.ID.String()+".glb", glb, e.cfg.ResultTTL)
	if err != nil {
		if ctx.Err() != nil {
			e.interrupted(dbCtx, ctx, log, job.ID)
			return
		}
		e.fail(dbCtx, log, job.ID, models.ErrorCodeUploadFailed, fmt.Sprintf("upload result: %v", err))
		return
	}

	if _, err := e.store.TransitionJob(dbCtx, job.ID, models.JobStatusCompleted,
		store.WithResultURL(url), store.WithProgress(progressDone)); err != nil {
		e.logTransitionErr(log, models.JobStatusCompleted, err)
		return
	}
	e.metrics.JobsCompleted.Inc()
	log.Info("job completed", "result_url", url, "bytes", len(glb))
}

// interrupted handles a job whose context was cancelled mid-attempt. A user
// cancel already moved the row to cancelled; a shutdown fails it.
func (e *Executor) interrupted(dbCtx, ctx context.Context, log *slog.Logger, id uuid.UUID) {
	if errors.Is(context.Cause(ctx), errJobCancelled) {
		log.Info("job stopped after cancellation")
		return
	}
	e.fail(dbCtx, log, id, models.ErrorCodeInterrupted, "interrupted by service shutdown")
}

// fail moves a job to failed. It reports whether the transition happened.
func (e *Executor) fail(ctx context.Context, log *slog.Logger, id uuid.UUID, code, msg string) bool {
	msg = truncateString(msg, maxErrorMessageBytes)
	if _, err := e.store.TransitionJob(ctx, id, models.JobStatusFailed, store.WithError(code, msg)); err != nil {
		e.logTransitionErr(log, models.JobStatusFailed, err)
		return false
	}
	e.metrics.JobsFailed.WithLabelValues(code).Inc()
	log.Warn("job failed", "error_code", code, "error_message", msg)
	return true
}

func (e *Executor) progress(ctx context.Context, log *slog.Logger, id uuid.UUID, n int) {
	if err := e.store.UpdateJobProgress(ctx, id, n); err != nil {
		log.Debug("progress update failed", "progress", n, "error", err)
	}
}

// logTransitionErr records a rejected status change. A rejection means
// another actor, usually a cancel, got there first; the job row keeps its
// status and this goroutine stops working on it.
func (e *Executor) logTransitionErr(log *slog.Logger, to string, err error) {
	var ite *store.InvalidTransitionError
	if errors.As(err, &ite) {
		log.Info("status change discarded", "from", ite.From, "to", to)
		return
	}
	log.Error("status change failed", "to", to, "error", err)
}

// toolFailureMessage prefixes the tool's error summary and fits the captured
// output into the remaining budget. Output is cut from the front so the last
// lines the tool printed are kept.
func toolFailureMessage(prefix string, te *render.ToolError) string {
	head := prefix + te.Summary()
	budget := maxErrorMessageBytes - len(head) - len(": ")
	if te.Output == "" || budget <= 0 {
		return truncateString(head, maxErrorMessageBytes)
	}
	return head + ": " + keepTail(te.Output, budget)
}

// keepTail returns the last maxBytes of s without splitting UTF-8 runes.
func keepTail(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	i := len(s) - maxBytes
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
