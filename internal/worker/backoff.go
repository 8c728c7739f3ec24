package worker

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig holds the delay policy between attempts of a job whose tool
// invocation failed transiently.
type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
}

// Backoff returns the delay before retry number attempt (1-based):
// min(BaseDelay * 2^(attempt-1), MaxDelay) plus up to MaxJitter.
//
//	BaseDelay=2s, MaxDelay=30s:
//	attempt 1: 2s, attempt 2: 4s, attempt 3: 8s, attempt 5: 30s
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	var jitter time.Duration
	if c.MaxJitter > 0 {
		jitter = rand.N(c.MaxJitter)
	}
	return time.Duration(delay) + jitter
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
