// Package fake provides render.Tool implementations for tests.
package fake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mss-industries/configurator/internal/render"
)

// Tool satisfies render.Tool for testing. It records how many invocations
// ran and the highest number that ran at the same time.
type Tool struct {
	RunFunc func(ctx context.Context, req render.Request) (*render.Result, error)

	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32

	mu       sync.Mutex
	requests []render.Request
}

func (t *Tool) Name() string { return "fake" }

func (t *Tool) Run(ctx context.Context, req render.Request) (*render.Result, error) {
	t.calls.Add(1)
	n := t.running.Add(1)
	defer t.running.Add(-1)
	for {
		p := t.peak.Load()
		if n <= p || t.peak.CompareAndSwap(p, n) {
			break
		}
	}

	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.mu.Unlock()

	start := time.Now()
	var (
		res *render.Result
		err error
	)
	if t.RunFunc != nil {
		res, err = t.RunFunc(ctx, req)
	} else {
		res = &render.Result{GLB: []byte("glTF")}
	}
	if res != nil && res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, err
}

// Calls returns the number of invocations so far.
func (t *Tool) Calls() int { return int(t.calls.Load()) }

// Peak returns the maximum number of concurrent invocations observed.
func (t *Tool) Peak() int { return int(t.peak.Load()) }

// Requests returns a copy of every request received.
func (t *Tool) Requests() []render.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]render.Request(nil), t.requests...)
}

// NewTool returns a Tool that succeeds immediately with glb.
func NewTool(glb []byte) *Tool {
	return &Tool{
		RunFunc: func(_ context.Context, _ render.Request) (*render.Result, error) {
			return &render.Result{GLB: glb}, nil
		},
	}
}

// NewFailingTool returns a Tool that always returns err.
func NewFailingTool(err error) *Tool {
	return &Tool{
		RunFunc: func(_ context.Context, _ render.Request) (*render.Result, error) {
			return nil, err
		},
	}
}

// NewBlockingTool returns a Tool that blocks until ctx is done and then
// reports a timeout or interruption the way the Blender tool does.
func NewBlockingTool() *Tool {
	return &Tool{
		RunFunc: func(ctx context.Context, _ render.Request) (*render.Result, error) {
			<-ctx.Done()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, render.ErrTimeout
			}
			return nil, ctx.Err()
		},
	}
}

// NewGatedTool returns a Tool whose invocations block until release is
// closed or ctx is done, then succeed.
func NewGatedTool(release <-chan struct{}) *Tool {
	return &Tool{
		RunFunc: func(ctx context.Context, _ render.Request) (*render.Result, error) {
			select {
			case <-release:
				return &render.Result{GLB: []byte("glTF")}, nil
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, render.ErrTimeout
				}
				return nil, ctx.Err()
			}
		},
	}
}

// NewSequenceTool returns a Tool that returns errs in order, one per call,
// and succeeds once they are used up. A nil entry is a success.
func NewSequenceTool(errs ...error) *Tool {
	var mu sync.Mutex
	i := 0
	return &Tool{
		RunFunc: func(_ context.Context, _ render.Request) (*render.Result, error) {
			mu.Lock()
			defer mu.Unlock()
			if i < len(errs) {
				err := errs[i]
				i++
				if err != nil {
					return nil, err
				}
			}
			return &render.Result{GLB: []byte("glTF")}, nil
		},
	}
}

// Compile-time check that Tool implements render.Tool.
var _ render.Tool = (*Tool)(nil)
