// Package storetest provides an in-memory store.Store for tests. It applies
// the same compare-and-set transition rules as the Postgres implementation.
package storetest

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mss-industries/configurator/internal/store"
	"github.com/mss-industries/configurator/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory store.Store.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	styles  map[uuid.UUID]*models.Style
	keys    map[uuid.UUID]*models.APIKey
	history map[uuid.UUID][]string

	// PingErr, when set, is returned by Ping.
	PingErr error
}

var _ store.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[uuid.UUID]*models.Job),
		styles:  make(map[uuid.UUID]*models.Style),
		keys:    make(map[uuid.UUID]*models.APIKey),
		history: make(map[uuid.UUID][]string),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return m.PingErr }

func (m *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.KeyHash == key.KeyHash {
			return store.ErrDuplicateKey
		}
	}
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *MemoryStore) ListAPIKeys(ctx context.Context, clientID *uuid.UUID) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.DeletedAt != nil || (clientID != nil && k.ClientID != *clientID) {
			continue
		}
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

func (m *MemoryStore) CreateStyle(ctx context.Context, style *models.Style) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.styles[style.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *style
	m.styles[style.ID] = &cp
	return nil
}

func (m *MemoryStore) GetStyle(ctx context.Context, id uuid.UUID) (*models.Style, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.styles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := store.ValidateNewJob(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	m.jobs[job.ID] = cloneJob(job)
	m.history[job.ID] = []string{job.Status}
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) TransitionJob(ctx context.Context, id uuid.UUID, to string, opts ...store.JobUpdateOption) (*models.Job, error) {
	u := store.ApplyJobUpdateOptions(opts...)

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !models.CanTransition(j.Status, to) || (u.IncrementRetry && j.RetryCount >= j.MaxRetries) {
		return nil, &store.InvalidTransitionError{JobID: id, From: j.Status, To: to}
	}

	now := time.Now().UTC()
	j.Status = to
	j.UpdatedAt = now
	if to == models.JobStatusProcessing && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if models.IsTerminal(to) {
		j.CompletedAt = &now
	}
	if u.IncrementRetry {
		j.RetryCount++
	}
	if u.Progress != nil && *u.Progress > j.Progress {
		j.Progress = *u.Progress
	}
	if u.WorkerID != nil {
		j.WorkerID = u.WorkerID
	}
	if u.ResultURL != nil {
		j.ResultURL = u.ResultURL
	}
	if u.ErrorCode != nil {
		j.ErrorCode = u.ErrorCode
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = u.ErrorMessage
	}
	m.history[id] = append(m.history[id], to)
	return cloneJob(j), nil
}

func (m *MemoryStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !models.IsTerminal(j.Status) && progress > j.Progress {
		j.Progress = progress
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) ListNonTerminalJobs(ctx context.Context) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if !models.IsTerminal(j.Status) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Job{}
	for _, j := range m.jobs {
		if filter.ClientID != nil && j.ClientID != *filter.ClientID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit := filter.NormalizedLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns every status job id has been in, in order.
func (m *MemoryStore) History(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history[id])
}

// PutJob stores job as-is, bypassing creation checks. Used to seed jobs in
// arbitrary statuses.
func (m *MemoryStore) PutJob(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
	m.history[job.ID] = []string{job.Status}
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	cp.Parameters = maps.Clone(j.Parameters)
	return &cp
}
