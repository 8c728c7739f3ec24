package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/mss-industries/configurator/internal/api/middleware"
	"github.com/mss-industries/configurator/internal/api/response"
	"github.com/mss-industries/configurator/internal/generation"
	"github.com/mss-industries/configurator/internal/store"
	"github.com/mss-industries/configurator/pkg/models"
)

type generateRequest struct {
	StyleID    string         `json:"style_id"   validate:"required,uuid"`
	Parameters map[string]any `json:"parameters" validate:"required"`
}

type generateResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

// NewGenerateHandler returns an http.HandlerFunc for POST /api/v1/generate.
// The job is accepted and queued; clients poll GET /api/v1/jobs/{jobID}.
func NewGenerateHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := mw.GetCaller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller", nil)
			return
		}

		var req generateRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		job, err := svc.Submit(r.Context(), generation.SubmitRequest{
			StyleID:    uuid.MustParse(req.StyleID),
			Parameters: req.Parameters,
		}, caller)
		if err != nil {
			writeServiceError(w, r, err, "STYLE_NOT_FOUND")
			return
		}

		w.Header().Set("Location", "/api/v1/jobs/"+job.ID.String())
		response.Accepted(w, generateResponse{JobID: job.ID, Status: job.Status})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := mw.GetCaller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller", nil)
			return
		}
		id, ok := parseJobID(w, chi.URLParam(r, "jobID"))
		if !ok {
			return
		}

		snap, err := svc.GetStatus(r.Context(), id, caller)
		if err != nil {
			writeServiceError(w, r, err, "JOB_NOT_FOUND")
			return
		}
		response.JSON(w, snap)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel. Cancelling a finished job is a 409.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := mw.GetCaller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller", nil)
			return
		}
		id, ok := parseJobID(w, chi.URLParam(r, "jobID"))
		if !ok {
			return
		}

		snap, err := svc.Cancel(r.Context(), id, caller)
		if err != nil {
			writeServiceError(w, r, err, "JOB_NOT_FOUND")
			return
		}
		response.JSON(w, snap)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := mw.GetCaller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller", nil)
			return
		}

		filter := store.JobFilter{Status: r.URL.Query().Get("status")}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			filter.Limit = n
		}

		jobs, err := svc.List(r.Context(), filter, caller)
		if err != nil {
			writeServiceError(w, r, err, "JOB_NOT_FOUND")
			return
		}
		if jobs == nil {
			jobs = []*models.JobStatus{}
		}
		response.Collection(w, jobs, response.ListMeta{
			Limit:  filter.NormalizedLimit(),
			Count:  len(jobs),
			Status: filter.Status,
		})
	}
}
