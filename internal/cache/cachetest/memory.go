// Package cachetest provides an in-memory cache.Cache for tests.
package cachetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mss-industries/configurator/internal/cache"
	"github.com/mss-industries/configurator/pkg/models"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a map-backed cache.Cache. Setting Err makes every call fail.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	Err     error
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]entry)}
}

func (c *MemoryCache) Ping(ctx context.Context) error { return c.Err }

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.Err != nil {
		return c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.Err != nil {
		return nil, false, c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) SetJobSnapshot(ctx context.Context, snap *models.JobStatus, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.Set(ctx, cache.JobStatusKey(snap.JobID), data, ttl)
}

func (c *MemoryCache) GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*models.JobStatus, bool, error) {
	data, ok, err := c.Get(ctx, cache.JobStatusKey(jobID))
	if err != nil || !ok {
		return nil, false, err
	}
	var snap models.JobStatus
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

func (c *MemoryCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	if c.Err != nil {
		return 0, c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		ok = false
	}
	var n int64
	if ok {
		_ = json.Unmarshal(e.value, &n)
	} else {
		e = entry{expiresAt: time.Now().Add(expiry)}
	}
	n++
	e.value, _ = json.Marshal(n)
	c.entries[key] = e
	return n, nil
}

var _ cache.Cache = (*MemoryCache)(nil)
