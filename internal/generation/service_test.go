package generation_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mss-industries/configurator/internal/blob"
	"github.com/mss-industries/configurator/internal/cache/cachetest"
	"github.com/mss-industries/configurator/internal/generation"
	"github.com/mss-industries/configurator/internal/metrics"
	"github.com/mss-industries/configurator/internal/render/fake"
	"github.com/mss-industries/configurator/internal/schema"
	"github.com/mss-industries/configurator/internal/slots"
	"github.com/mss-industries/configurator/internal/store"
	"github.com/mss-industries/configurator/internal/store/storetest"
	"github.com/mss-industries/configurator/internal/worker"
	"github.com/mss-industries/configurator/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stoolSchema = `{
  "type": "object",
  "properties": {
    "width":  {"type": "number", "minimum": 24, "maximum": 60},
    "finish": {"type": "string", "enum": ["stainless", "black", "walnut"]}
  },
  "required": ["width", "finish"],
  "additionalProperties": false
}`

// --- fakes ---

// recordingDispatcher captures dispatched jobs without running them.
type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []*models.Job
	cancelled  []uuid.UUID
	refuse     bool
}

func (d *recordingDispatcher) Dispatch(job *models.Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, job)
	return !d.refuse
}

func (d *recordingDispatcher) Cancel(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
	return true
}

type memBlobs struct{}

func (memBlobs) Fetch(context.Context, string, string) ([]byte, error) { return []byte("BLEND"), nil }
func (memBlobs) Put(_ context.Context, container, name string, _ []byte, _ time.Duration) (string, error) {
	return "https://blobs.test/" + container + "/" + name, nil
}

var _ blob.Store = memBlobs{}

// --- helpers ---

type harness struct {
	store   *storetest.MemoryStore
	cache   *cachetest.MemoryCache
	disp    *recordingDispatcher
	metrics *metrics.Metrics
	svc     *generation.Service
	style   *models.Style
	owner   models.Caller
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, d generation.Dispatcher) *harness {
	t.Helper()
	st := storetest.NewMemoryStore()
	ca := cachetest.NewMemoryCache()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	h := &harness{
		store:   st,
		cache:   ca,
		metrics: m,
		owner:   models.Caller{ClientID: uuid.New(), Role: models.RoleClient},
	}
	if d == nil {
		h.disp = &recordingDispatcher{}
		d = h.disp
	}
	h.svc = generation.NewService(st, ca, d, m, discardLogger(), generation.Config{MaxRetries: 3})

	style, err := h.svc.CreateStyle(context.Background(), generation.CreateStyleRequest{
		Name:                "S1",
		TemplateBlobPath:    "stools/counter.blend",
		CustomizationSchema: json.RawMessage(stoolSchema),
	})
	require.NoError(t, err)
	h.style = style
	return h
}

func (h *harness) submit(t *testing.T, params map[string]any) *models.Job {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), generation.SubmitRequest{
		StyleID:    h.style.ID,
		Parameters: params,
	}, h.owner)
	require.NoError(t, err)
	return job
}

func validParams() map[string]any {
	return map[string]any{"width": 48, "finish": "stainless"}
}

// --- Submit ---

func TestSubmit_CreatesPendingJobAndDispatches(t *testing.T) {
	h := newHarness(t, nil)

	job := h.submit(t, validParams())

	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, h.owner.ClientID, job.ClientID)
	assert.Equal(t, h.style.ID, job.StyleID)

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)

	require.Len(t, h.disp.dispatched, 1)
	assert.Equal(t, job.ID, h.disp.dispatched[0].ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.JobsSubmitted))
}

func TestSubmit_OutOfBoundsRejectedWithoutRow(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.Submit(context.Background(), generation.SubmitRequest{
		StyleID:    h.style.ID,
		Parameters: map[string]any{"width": 9999, "finish": "stainless"},
	}, h.owner)

	var ve *schema.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Errors, 1)
	assert.Equal(t, "width", ve.Errors[0].Field)

	jobs, err := h.store.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, h.disp.dispatched)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.JobsSubmitted))
}

func TestSubmit_UnknownStyle(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.Submit(context.Background(), generation.SubmitRequest{
		StyleID:    uuid.New(),
		Parameters: validParams(),
	}, h.owner)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmit_MissingStyleID(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.Submit(context.Background(), generation.SubmitRequest{Parameters: validParams()}, h.owner)
	assert.ErrorIs(t, err, generation.ErrValidation)
}

func TestSubmit_MissingParametersFailsRequired(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.Submit(context.Background(), generation.SubmitRequest{StyleID: h.style.ID}, h.owner)
	var ve *schema.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSubmit_IdenticalRequestsCreateSeparateJobs(t *testing.T) {
	h := newHarness(t, nil)

	a := h.submit(t, validParams())
	b := h.submit(t, validParams())
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSubmit_DispatchRefusedStillReturnsJob(t *testing.T) {
	d := &recordingDispatcher{refuse: true}
	h := newHarness(t, d)

	job := h.submit(t, validParams())
	assert.Equal(t, models.JobStatusPending, job.Status)
}

// --- GetStatus ---

func TestGetStatus_NonTerminalReadsStore(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())

	snap, err := h.svc.GetStatus(context.Background(), job.ID, h.owner)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, snap.Status)

	_, ok, _ := h.cache.GetJobSnapshot(context.Background(), job.ID)
	assert.False(t, ok, "non-terminal snapshots must not be cached")
}

func TestGetStatus_TerminalIsCached(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())
	ctx := context.Background()

	_, err := h.store.TransitionJob(ctx, job.ID, models.JobStatusQueued)
	require.NoError(t, err)
	_, err = h.store.TransitionJob(ctx, job.ID, models.JobStatusProcessing)
	require.NoError(t, err)
	_, err = h.store.TransitionJob(ctx, job.ID, models.JobStatusCompleted,
		store.WithResultURL("https://blobs.test/x.glb"), store.WithProgress(100))
	require.NoError(t, err)

	snap, err := h.svc.GetStatus(ctx, job.ID, h.owner)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, snap.Status)

	cached, ok, err := h.cache.GetJobSnapshot(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, cached)
}

func TestGetStatus_CacheFailureFallsBackToStore(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())
	ctx := context.Background()
	_, err := h.store.TransitionJob(ctx, job.ID, models.JobStatusCancelled)
	require.NoError(t, err)

	h.cache.Err = errors.New("redis down")

	snap, err := h.svc.GetStatus(ctx, job.ID, h.owner)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, snap.Status)
}

// countingStore counts GetJob calls so tests can see when the cache
// answered a poll.
type countingStore struct {
	*storetest.MemoryStore
	gets atomic.Int32
}

func (c *countingStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	c.gets.Add(1)
	return c.MemoryStore.GetJob(ctx, id)
}

func TestGetStatus_CachedTerminalPollSkipsStore(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())
	ctx := context.Background()
	_, err := h.store.TransitionJob(ctx, job.ID, models.JobStatusCancelled)
	require.NoError(t, err)

	counting := &countingStore{MemoryStore: h.store}
	svc := generation.NewService(counting, h.cache, h.disp, h.metrics, discardLogger(), generation.Config{})

	first, err := svc.GetStatus(ctx, job.ID, h.owner)
	require.NoError(t, err)
	assert.Equal(t, int32(1), counting.gets.Load())

	for range 5 {
		snap, err := svc.GetStatus(ctx, job.ID, h.owner)
		require.NoError(t, err)
		assert.Equal(t, first, snap)
	}
	assert.Equal(t, int32(1), counting.gets.Load(), "terminal polls must be served from the cache")
}

func TestGetStatus_NonTerminalPollsAlwaysReadStore(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())

	counting := &countingStore{MemoryStore: h.store}
	svc := generation.NewService(counting, h.cache, h.disp, h.metrics, discardLogger(), generation.Config{})

	for range 3 {
		_, err := svc.GetStatus(context.Background(), job.ID, h.owner)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), counting.gets.Load())
}

func TestGetStatus_CachedSnapshotKeepsOwnership(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())
	ctx := context.Background()
	_, err := h.svc.Cancel(ctx, job.ID, h.owner)
	require.NoError(t, err)

	cached, ok, err := h.cache.GetJobSnapshot(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.owner.ClientID, cached.ClientID)

	other := models.Caller{ClientID: uuid.New(), Role: models.RoleClient}
	_, err = h.svc.GetStatus(ctx, job.ID, other)
	assert.ErrorIs(t, err, store.ErrNotFound)

	admin := models.Caller{ClientID: uuid.New(), Role: models.RoleAdmin}
	snap, err := h.svc.GetStatus(ctx, job.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, snap.Status)
}

func TestGetStatus_OtherClientSeesNotFound(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())

	other := models.Caller{ClientID: uuid.New(), Role: models.RoleClient}
	_, err := h.svc.GetStatus(context.Background(), job.ID, other)
	assert.ErrorIs(t, err, store.ErrNotFound)

	admin := models.Caller{ClientID: uuid.New(), Role: models.RoleAdmin}
	_, err = h.svc.GetStatus(context.Background(), job.ID, admin)
	assert.NoError(t, err)
}

func TestGetStatus_Unknown(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.GetStatus(context.Background(), uuid.New(), h.owner)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Cancel ---

func TestCancel_Pending(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())

	snap, err := h.svc.Cancel(context.Background(), job.ID, h.owner)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, snap.Status)
	assert.Equal(t, []uuid.UUID{job.ID}, h.disp.cancelled)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.JobsCancelled))
}

func TestCancel_TerminalIsInvalidTransition(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())
	ctx := context.Background()

	_, err := h.store.TransitionJob(ctx, job.ID, models.JobStatusQueued)
	require.NoError(t, err)
	_, err = h.store.TransitionJob(ctx, job.ID, models.JobStatusProcessing)
	require.NoError(t, err)
	_, err = h.store.TransitionJob(ctx, job.ID, models.JobStatusFailed,
		store.WithError(models.ErrorCodeToolFailed, "boom"))
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, job.ID, h.owner)
	var ite *store.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, models.JobStatusFailed, ite.From)

	after, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, after.Status)
	assert.Equal(t, models.ErrorCodeToolFailed, *after.ErrorCode)
	assert.Empty(t, h.disp.cancelled)
}

func TestCancel_OtherClientSeesNotFound(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, validParams())

	other := models.Caller{ClientID: uuid.New(), Role: models.RoleClient}
	_, err := h.svc.Cancel(context.Background(), job.ID, other)
	assert.ErrorIs(t, err, store.ErrNotFound)

	after, _ := h.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusPending, after.Status)
}

// --- List ---

func TestList_ClientSeesOwnJobs(t *testing.T) {
	h := newHarness(t, nil)
	mine := h.submit(t, validParams())

	other := models.Caller{ClientID: uuid.New(), Role: models.RoleClient}
	_, err := h.svc.Submit(context.Background(), generation.SubmitRequest{
		StyleID: h.style.ID, Parameters: validParams(),
	}, other)
	require.NoError(t, err)

	jobs, err := h.svc.List(context.Background(), store.JobFilter{}, h.owner)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, mine.ID, jobs[0].JobID)

	admin := models.Caller{ClientID: uuid.New(), Role: models.RoleAdmin}
	all, err := h.svc.List(context.Background(), store.JobFilter{}, admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestList_InvalidStatus(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.List(context.Background(), store.JobFilter{Status: "running"}, h.owner)
	assert.ErrorIs(t, err, generation.ErrValidation)
}

// --- CreateStyle ---

func TestCreateStyle_InvalidSchema(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.CreateStyle(context.Background(), generation.CreateStyleRequest{
		Name:                "broken",
		TemplateBlobPath:    "x.blend",
		CustomizationSchema: json.RawMessage(`{"type": 12}`),
	})
	assert.ErrorIs(t, err, generation.ErrValidation)
}

func TestCreateStyle_RequiresNameAndTemplate(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.CreateStyle(context.Background(), generation.CreateStyleRequest{Name: "x"})
	assert.ErrorIs(t, err, generation.ErrValidation)
}

// --- end to end with the executor ---

func newExecutor(t *testing.T, st store.JobStore, tool *fake.Tool, capacity int) *worker.Executor {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	exec := worker.New(st, slots.New(capacity, m), tool, memBlobs{}, m, discardLogger(), worker.Config{
		InvocationTimeout: 5 * time.Second,
		TemplateContainer: "blender-templates",
		ResultContainer:   "generated-models",
		ResultTTL:         time.Hour,
		WorkDir:           t.TempDir(),
		Retry:             worker.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	t.Cleanup(func() { _ = exec.Shutdown(context.Background()) })
	return exec
}

func TestSubmitAndPollUntilCompleted(t *testing.T) {
	st := storetest.NewMemoryStore()
	tool := fake.NewTool([]byte("glTF"))
	exec := newExecutor(t, st, tool, 2)

	svc := generation.NewService(st, cachetest.NewMemoryCache(), exec,
		metrics.NewMetrics(prometheus.NewRegistry()), discardLogger(), generation.Config{MaxRetries: 3})
	style, err := svc.CreateStyle(context.Background(), generation.CreateStyleRequest{
		Name: "S1", TemplateBlobPath: "stools/counter.blend", CustomizationSchema: json.RawMessage(stoolSchema),
	})
	require.NoError(t, err)
	caller := models.Caller{ClientID: uuid.New(), Role: models.RoleClient}

	job, err := svc.Submit(context.Background(), generation.SubmitRequest{
		StyleID: style.ID, Parameters: validParams(),
	}, caller)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	var snap *models.JobStatus
	require.Eventually(t, func() bool {
		snap, err = svc.GetStatus(context.Background(), job.ID, caller)
		return err == nil && snap.Status == models.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	require.NotNil(t, snap.ResultURL)
	assert.NotEmpty(t, *snap.ResultURL)
	assert.Nil(t, snap.ErrorCode)
	assert.Equal(t, 100, snap.Progress)
}

func TestCancelWhilePendingNeverInvokesTool(t *testing.T) {
	st := storetest.NewMemoryStore()
	tool := fake.NewTool([]byte("glTF"))
	exec := newExecutor(t, st, tool, 1)

	// Hold dispatch so the cancel lands while the job is still pending.
	hold := &recordingDispatcher{}
	h := newHarness(t, hold)
	h.store = st
	h.svc = generation.NewService(st, h.cache, hold, h.metrics, discardLogger(), generation.Config{MaxRetries: 3})
	require.NoError(t, st.CreateStyle(context.Background(), h.style))

	job := h.submit(t, validParams())
	_, err := h.svc.Cancel(context.Background(), job.ID, h.owner)
	require.NoError(t, err)

	// Now release the held dispatch to the real executor.
	require.Len(t, hold.dispatched, 1)
	exec.Dispatch(hold.dispatched[0])

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, tool.Calls())
	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, []string{models.JobStatusPending, models.JobStatusCancelled}, st.History(job.ID))
}
