// Package slots bounds how many headless tool invocations run at once.
package slots

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mss-industries/configurator/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Limiter is a counting semaphore of execution slots. Waiters are granted
// slots in arrival order and there is no cap on how many may wait.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
	waiting  atomic.Int64
	metrics  *metrics.Metrics
}

// New returns a Limiter with capacity slots. Capacities below 1 are raised
// to 1. m may be nil.
func New(capacity int, m *metrics.Metrics) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		metrics:  m,
	}
}

// Acquire blocks until a slot is free. It only returns an error when ctx is
// done first, which the executor uses for process shutdown.
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	l.setWaiting(l.waiting.Add(1))
	err := l.sem.Acquire(ctx, 1)
	l.setWaiting(l.waiting.Add(-1))
	if err != nil {
		return nil, err
	}
	l.setInUse(l.inUse.Add(1))
	return &Slot{limiter: l}, nil
}

// Capacity returns the total number of slots.
func (l *Limiter) Capacity() int { return l.capacity }

// InUse returns the number of slots currently held.
func (l *Limiter) InUse() int { return int(l.inUse.Load()) }

// Waiting returns the number of callers blocked in Acquire.
func (l *Limiter) Waiting() int { return int(l.waiting.Load()) }

func (l *Limiter) release() {
	l.setInUse(l.inUse.Add(-1))
	l.sem.Release(1)
}

func (l *Limiter) setInUse(n int64) {
	if l.metrics != nil {
		l.metrics.SlotsInUse.Set(float64(n))
	}
}

func (l *Limiter) setWaiting(n int64) {
	if l.metrics != nil {
		l.metrics.SlotsWaiting.Set(float64(n))
	}
}

// Slot is one held unit of the Limiter.
type Slot struct {
	limiter *Limiter
	once    sync.Once
}

// Release returns the slot. Calls after the first are no-ops.
func (s *Slot) Release() {
	s.once.Do(s.limiter.release)
}
