package middleware

import (
	"net/http"
	"strconv"

	"github.com/mss-industries/configurator/internal/metrics"
)

// Metrics counts requests by method, matched route, and status code.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.HTTPRequests.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(rec.status)).Inc()
		})
	}
}
