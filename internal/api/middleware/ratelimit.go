package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/mss-industries/configurator/internal/api/response"
	"github.com/mss-industries/configurator/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// RateLimit counts requests per client in fixed one-minute windows. All keys
// issued to one client share a budget.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin}
}

// Limit applies rate limiting to the caller set by Authenticate.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r)
		if !ok {
			// Unauthenticated route
			next.ServeHTTP(w, r)
			return
		}

		now := time.Now()
		window := now.Truncate(rateWindow)
		reset := window.Add(rateWindow)

		// Counters expire one window after their window closes.
		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(caller.ClientID, window), 2*rateWindow)
		if err != nil {
			// Fail open: polling must keep working while Redis is down.
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			retryAfter := int(math.Ceil(reset.Sub(now).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
