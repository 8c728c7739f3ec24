package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/mss-industries/configurator/internal/api/response"
)

// Pinger is a dependency whose reachability is reported by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SlotReporter exposes execution slot usage.
type SlotReporter interface {
	Capacity() int
	InUse() int
	Waiting() int
}

type healthResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Slots    *slotsHealth      `json:"slots,omitempty"`
	WorkerID string            `json:"worker_id,omitempty"`
}

type slotsHealth struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Waiting  int `json:"waiting"`
}

// HealthDeps are the dependencies reported by GET /api/v1/health.
type HealthDeps struct {
	Database Pinger
	Cache    Pinger
	Slots    SlotReporter
	WorkerID string
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. It
// answers 503 when the database is unreachable; a cache outage only degrades.
func NewHealthHandler(deps HealthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: map[string]string{}, WorkerID: deps.WorkerID}
		status := http.StatusOK

		if err := deps.Database.Ping(ctx); err != nil {
			resp.Checks["database"] = "unreachable"
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["database"] = "ok"
		}

		if deps.Cache != nil {
			if err := deps.Cache.Ping(ctx); err != nil {
				resp.Checks["cache"] = "unreachable"
				if status == http.StatusOK {
					resp.Status = "degraded"
				}
			} else {
				resp.Checks["cache"] = "ok"
			}
		}

		if deps.Slots != nil {
			resp.Slots = &slotsHealth{
				Capacity: deps.Slots.Capacity(),
				InUse:    deps.Slots.InUse(),
				Waiting:  deps.Slots.Waiting(),
			}
		}

		if status != http.StatusOK {
			response.Error(w, status, "SERVICE_UNAVAILABLE", "Database is unreachable", resp)
			return
		}
		response.JSON(w, resp)
	}
}
