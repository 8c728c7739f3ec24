package worker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mss-industries/configurator/internal/blob"
	"github.com/mss-industries/configurator/internal/metrics"
	"github.com/mss-industries/configurator/internal/render"
	"github.com/mss-industries/configurator/internal/render/fake"
	"github.com/mss-industries/configurator/internal/slots"
	"github.com/mss-industries/configurator/internal/store/storetest"
	"github.com/mss-industries/configurator/internal/worker"
	"github.com/mss-industries/configurator/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	templateContainer = "blender-templates"
	resultContainer   = "generated-models"
	templatePath      = "stools/counter.blend"
)

// ─── in-memory blob store ───────────────────────────────────────────────────

type memBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	FetchErr error
	PutErr   error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{
		templateContainer + "/" + templatePath: []byte("BLEND"),
	}}
}

func (m *memBlobs) Fetch(_ context.Context, container, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	data, ok := m.objects[container+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s not found", blob.ErrDependency, container, name)
	}
	return data, nil
}

func (m *memBlobs) Put(_ context.Context, container, name string, data []byte, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return "", m.PutErr
	}
	m.objects[container+"/"+name] = data
	return "https://blobs.test/" + container + "/" + name, nil
}

func (m *memBlobs) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// ─── fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	store   *storetest.MemoryStore
	blobs   *memBlobs
	tool    *fake.Tool
	limiter *slots.Limiter
	metrics *metrics.Metrics
	exec    *worker.Executor
	style   *models.Style
}

type fixtureOpts struct {
	capacity int
	timeout  time.Duration
}

func newFixture(t *testing.T, tool *fake.Tool, opts ...func(*fixtureOpts)) *fixture {
	t.Helper()
	o := fixtureOpts{capacity: 2, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	st := storetest.NewMemoryStore()
	style := &models.Style{
		ID:               uuid.New(),
		Name:             "Counter Stool",
		TemplateBlobPath: templatePath,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, st.CreateStyle(context.Background(), style))

	m := metrics.NewMetrics(prometheus.NewRegistry())
	limiter := slots.New(o.capacity, m)
	blobs := newMemBlobs()
	exec := worker.New(st, limiter, tool, blobs, m,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		worker.Config{
			InvocationTimeout: o.timeout,
			TemplateContainer: templateContainer,
			ResultContainer:   resultContainer,
			ResultTTL:         time.Hour,
			WorkDir:           t.TempDir(),
			Retry:             worker.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Shutdown(ctx)
	})

	return &fixture{store: st, blobs: blobs, tool: tool, limiter: limiter, metrics: m, exec: exec, style: style}
}

func withCapacity(n int) func(*fixtureOpts) {
	return func(o *fixtureOpts) { o.capacity = n }
}

func withTimeout(d time.Duration) func(*fixtureOpts) {
	return func(o *fixtureOpts) { o.timeout = d }
}

func (f *fixture) newJob(t *testing.T, maxRetries int) *models.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		ClientID:   uuid.New(),
		StyleID:    f.style.ID,
		Parameters: map[string]any{"width": float64(48), "finish": "stainless"},
		Status:     models.JobStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (f *fixture) waitStatus(t *testing.T, id uuid.UUID, status string) *models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.job(t, id).Status == status
	}, 5*time.Second, 2*time.Millisecond, "job never reached %s", status)
	return f.job(t, id)
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.limiter.InUse() == 0 }, 5*time.Second, 2*time.Millisecond)
}

func transientErr() error {
	return &render.ToolError{ExitCode: 1, Output: "segfault"}
}

// ─── tests ──────────────────────────────────────────────────────────────────

func TestExecutor_CompletesJob(t *testing.T) {
	f := newFixture(t, fake.NewTool([]byte("glTF-binary")))
	job := f.newJob(t, 3)

	require.True(t, f.exec.Dispatch(job))

	got := f.waitStatus(t, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.ResultURL)
	assert.Equal(t, "https://blobs.test/generated-models/"+job.ID.String()+".glb", *got.ResultURL)
	assert.Nil(t, got.ErrorCode)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, f.exec.WorkerID(), *got.WorkerID)

	assert.Equal(t, []string{
		models.JobStatusPending, models.JobStatusQueued,
		models.JobStatusProcessing, models.JobStatusCompleted,
	}, f.store.History(job.ID))

	data, ok := f.blobs.get(resultContainer + "/" + job.ID.String() + ".glb")
	require.True(t, ok)
	assert.Equal(t, []byte("glTF-binary"), data)

	reqs := f.tool.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "stainless", reqs[0].Parameters["finish"])
	assert.Equal(t, float64(48), reqs[0].Parameters["width"])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.JobsCompleted))
	f.waitIdle(t)
}

func TestExecutor_SerializesAtCapacityOne(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, fake.NewGatedTool(release), withCapacity(1))
	first := f.newJob(t, 3)
	second := f.newJob(t, 3)

	f.exec.Dispatch(first)
	f.waitStatus(t, first.ID, models.JobStatusProcessing)
	f.exec.Dispatch(second)
	f.waitStatus(t, second.ID, models.JobStatusQueued)

	// The second job must not start while the first holds the only slot.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, models.JobStatusQueued, f.job(t, second.ID).Status)
	assert.Equal(t, 1, f.tool.Calls())

	close(release)
	f.waitStatus(t, first.ID, models.JobStatusCompleted)
	f.waitStatus(t, second.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, f.tool.Peak())
}

func TestExecutor_NeverExceedsCapacity(t *testing.T) {
	tool := &fake.Tool{RunFunc: func(ctx context.Context, _ render.Request) (*render.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return &render.Result{GLB: []byte("glTF")}, nil
	}}
	f := newFixture(t, tool, withCapacity(2))

	jobs := make([]*models.Job, 8)
	for i := range jobs {
		jobs[i] = f.newJob(t, 3)
		f.exec.Dispatch(jobs[i])
	}
	for _, j := range jobs {
		f.waitStatus(t, j.ID, models.JobStatusCompleted)
	}

	assert.Equal(t, 8, tool.Calls())
	assert.LessOrEqual(t, tool.Peak(), 2)
	f.waitIdle(t)
}

func TestExecutor_TimeoutFailsAndReleasesSlot(t *testing.T) {
	f := newFixture(t, fake.NewBlockingTool(), withCapacity(1), withTimeout(50*time.Millisecond))
	job := f.newJob(t, 3)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeTimeout, *got.ErrorCode)
	assert.Equal(t, 0, got.RetryCount, "timeouts are not retried")
	assert.Nil(t, got.ResultURL)
	assert.Equal(t, 1, f.tool.Calls())
	f.waitIdle(t)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.JobsFailed.WithLabelValues(models.ErrorCodeTimeout)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	slot, err := f.limiter.Acquire(ctx)
	require.NoError(t, err, "slot was not returned after timeout")
	slot.Release()
}

func TestExecutor_TransientFailureRetries(t *testing.T) {
	f := newFixture(t, fake.NewSequenceTool(transientErr()))
	job := f.newJob(t, 3)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 2, f.tool.Calls())
	assert.Equal(t, []string{
		models.JobStatusPending, models.JobStatusQueued, models.JobStatusProcessing,
		models.JobStatusQueued, models.JobStatusProcessing, models.JobStatusCompleted,
	}, f.store.History(job.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.JobsRetried))
}

func TestExecutor_TransientFailureExhaustsRetries(t *testing.T) {
	f := newFixture(t, fake.NewFailingTool(transientErr()))
	job := f.newJob(t, 2)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeToolFailed, *got.ErrorCode)
	assert.Equal(t, 2, got.RetryCount)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)
	assert.Equal(t, 3, f.tool.Calls())
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "segfault")
	f.waitIdle(t)
}

func TestExecutor_FailureMessageKeepsEndOfToolOutput(t *testing.T) {
	output := strings.Repeat("Read blend: counter.blend\n", 200) + "Error: out of memory allocating vertex buffer"
	f := newFixture(t, fake.NewFailingTool(&render.ToolError{ExitCode: 1, Output: output}))
	job := f.newJob(t, 0)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.ErrorMessage)
	msg := *got.ErrorMessage
	assert.LessOrEqual(t, len(msg), 2000)
	assert.True(t, strings.HasPrefix(msg, "failed after 1 attempts: tool exited with code 1: "), msg[:80])
	assert.True(t, strings.HasSuffix(msg, "Error: out of memory allocating vertex buffer"))
}

func TestExecutor_PermanentFailureNotRetried(t *testing.T) {
	f := newFixture(t, fake.NewFailingTool(&render.ToolError{
		ExitCode: render.ExitInvalidParameters, Output: "unknown finish", Permanent: true,
	}))
	job := f.newJob(t, 3)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeRenderRejected, *got.ErrorCode)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, f.tool.Calls())
}

func TestExecutor_TemplateUnavailable(t *testing.T) {
	f := newFixture(t, fake.NewTool([]byte("glTF")))
	f.blobs.FetchErr = fmt.Errorf("%w: connection refused", blob.ErrDependency)
	job := f.newJob(t, 3)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeTemplateUnavailable, *got.ErrorCode)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 0, f.tool.Calls())
	f.waitIdle(t)
}

func TestExecutor_StyleMissing(t *testing.T) {
	f := newFixture(t, fake.NewTool([]byte("glTF")))
	job := f.newJob(t, 3)
	job.StyleID = uuid.New()
	f.store.PutJob(job)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusFailed)
	assert.Equal(t, models.ErrorCodeTemplateUnavailable, *got.ErrorCode)
}

func TestExecutor_UploadFailed(t *testing.T) {
	f := newFixture(t, fake.NewTool([]byte("glTF")))
	f.blobs.PutErr = fmt.Errorf("%w: 503", blob.ErrDependency)
	job := f.newJob(t, 3)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeUploadFailed, *got.ErrorCode)
	assert.Nil(t, got.ResultURL)
}

func TestExecutor_PanicFailsJob(t *testing.T) {
	f := newFixture(t, &fake.Tool{RunFunc: func(context.Context, render.Request) (*render.Result, error) {
		panic("nil scene")
	}}, withCapacity(1))
	job := f.newJob(t, 3)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusFailed)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeInternal, *got.ErrorCode)
	assert.Contains(t, *got.ErrorMessage, "nil scene")
	f.waitIdle(t)
}

func TestExecutor_CancelWhileProcessingKillsTool(t *testing.T) {
	f := newFixture(t, fake.NewBlockingTool())
	job := f.newJob(t, 3)

	f.exec.Dispatch(job)
	f.waitStatus(t, job.ID, models.JobStatusProcessing)

	_, err := f.store.TransitionJob(context.Background(), job.ID, models.JobStatusCancelled)
	require.NoError(t, err)
	assert.True(t, f.exec.Cancel(job.ID))

	f.waitIdle(t)
	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Nil(t, got.ResultURL)
	assert.Nil(t, got.ErrorCode)
	assert.Equal(t, models.JobStatusCancelled, f.store.History(job.ID)[len(f.store.History(job.ID))-1])
}

func TestExecutor_CancelWhileWaitingForSlot(t *testing.T) {
	f := newFixture(t, fake.NewTool([]byte("glTF")), withCapacity(1))
	held, err := f.limiter.Acquire(context.Background())
	require.NoError(t, err)

	job := f.newJob(t, 3)
	f.exec.Dispatch(job)
	f.waitStatus(t, job.ID, models.JobStatusQueued)
	require.Eventually(t, func() bool { return f.limiter.Waiting() == 1 }, time.Second, time.Millisecond)

	_, err = f.store.TransitionJob(context.Background(), job.ID, models.JobStatusCancelled)
	require.NoError(t, err)
	f.exec.Cancel(job.ID)

	require.Eventually(t, func() bool { return f.limiter.Waiting() == 0 }, time.Second, time.Millisecond)
	held.Release()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.tool.Calls())
	assert.Equal(t, models.JobStatusCancelled, f.job(t, job.ID).Status)
}

func TestExecutor_CancelledBeforeDispatchNeverRuns(t *testing.T) {
	f := newFixture(t, fake.NewTool([]byte("glTF")))
	job := f.newJob(t, 3)

	_, err := f.store.TransitionJob(context.Background(), job.ID, models.JobStatusCancelled)
	require.NoError(t, err)

	f.exec.Dispatch(job)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, f.tool.Calls())
	assert.Equal(t, []string{models.JobStatusPending, models.JobStatusCancelled}, f.store.History(job.ID))
}

func TestExecutor_LateCompletionDoesNotOverwriteCancel(t *testing.T) {
	var f *fixture
	tool := &fake.Tool{RunFunc: func(_ context.Context, req render.Request) (*render.Result, error) {
		// A cancel lands after the tool finished but before completion is recorded.
		_, err := f.store.TransitionJob(context.Background(), req.JobID, models.JobStatusCancelled)
		if err != nil {
			return nil, err
		}
		return &render.Result{GLB: []byte("glTF")}, nil
	}}
	f = newFixture(t, tool)
	job := f.newJob(t, 3)

	f.exec.Dispatch(job)

	f.waitIdle(t)
	require.Eventually(t, func() bool {
		h := f.store.History(job.ID)
		return h[len(h)-1] == models.JobStatusCancelled
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Nil(t, got.ResultURL)
	assert.NotContains(t, f.store.History(job.ID), models.JobStatusCompleted)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.JobsCompleted))
}

func TestExecutor_ShutdownInterruptsProcessing(t *testing.T) {
	f := newFixture(t, fake.NewBlockingTool(), withCapacity(1))
	running := f.newJob(t, 3)
	waiting := f.newJob(t, 3)

	f.exec.Dispatch(running)
	f.waitStatus(t, running.ID, models.JobStatusProcessing)
	f.exec.Dispatch(waiting)
	f.waitStatus(t, waiting.ID, models.JobStatusQueued)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.exec.Shutdown(ctx))

	got := f.job(t, running.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeInterrupted, *got.ErrorCode)

	// Never started, so it is left for the next process to pick up.
	assert.Equal(t, models.JobStatusQueued, f.job(t, waiting.ID).Status)

	assert.False(t, f.exec.Dispatch(f.newJob(t, 3)))
}

func TestExecutor_Recover(t *testing.T) {
	f := newFixture(t, fake.NewTool([]byte("glTF")))
	now := time.Now().UTC()

	seed := func(status string) *models.Job {
		j := &models.Job{
			ID: uuid.New(), ClientID: uuid.New(), StyleID: f.style.ID,
			Parameters: map[string]any{"width": float64(30)},
			Status:     status, MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
		}
		f.store.PutJob(j)
		return j
	}
	pending := seed(models.JobStatusPending)
	queued := seed(models.JobStatusQueued)
	processing := seed(models.JobStatusProcessing)
	done := seed(models.JobStatusCompleted)

	report, err := f.exec.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.RecoveryReport{Resumed: 2, Interrupted: 1}, report)

	f.waitStatus(t, pending.ID, models.JobStatusCompleted)
	f.waitStatus(t, queued.ID, models.JobStatusCompleted)

	got := f.job(t, processing.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.ErrorCodeInterrupted, *got.ErrorCode)

	assert.Equal(t, models.JobStatusCompleted, f.job(t, done.ID).Status)
	assert.Equal(t, 2, f.tool.Calls())
}

func TestExecutor_DispatchSameJobTwice(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, fake.NewGatedTool(release))
	job := f.newJob(t, 3)

	assert.True(t, f.exec.Dispatch(job))
	assert.False(t, f.exec.Dispatch(job))

	close(release)
	f.waitStatus(t, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, f.tool.Calls())
}

func TestExecutor_CancelUnknownJob(t *testing.T) {
	f := newFixture(t, fake.NewTool(nil))
	assert.False(t, f.exec.Cancel(uuid.New()))
}

func TestExecutor_NonToolErrorIsInternal(t *testing.T) {
	f := newFixture(t, fake.NewFailingTool(errors.New("unexpected")))
	job := f.newJob(t, 3)

	f.exec.Dispatch(job)

	got := f.waitStatus(t, job.ID, models.JobStatusFailed)
	assert.Equal(t, models.ErrorCodeInternal, *got.ErrorCode)
	assert.Equal(t, 0, got.RetryCount)
}
