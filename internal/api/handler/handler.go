// Package handler implements the HTTP endpoints for job submission, polling,
// cancellation, and style administration.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mss-industries/configurator/internal/api/response"
	"github.com/mss-industries/configurator/internal/apikeys"
	"github.com/mss-industries/configurator/internal/generation"
	"github.com/mss-industries/configurator/internal/schema"
	"github.com/mss-industries/configurator/internal/store"
	"github.com/mss-industries/configurator/pkg/models"
)

const maxBodyBytes = 1 << 20

// JobService is the generation.Service surface the handlers use.
type JobService interface {
	Submit(ctx context.Context, req generation.SubmitRequest, caller models.Caller) (*models.Job, error)
	GetStatus(ctx context.Context, id uuid.UUID, caller models.Caller) (*models.JobStatus, error)
	Cancel(ctx context.Context, id uuid.UUID, caller models.Caller) (*models.JobStatus, error)
	List(ctx context.Context, filter store.JobFilter, caller models.Caller) ([]*models.JobStatus, error)
	CreateStyle(ctx context.Context, req generation.CreateStyleRequest) (*models.Style, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	// Report JSON field names rather than Go field names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// It writes the error response itself and reports whether to continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return false
		}
		details := make([]schema.FieldError, 0, len(ve))
		for _, fe := range ve {
			details = append(details, schema.FieldError{Field: fe.Field(), Message: describe(fe)})
		}
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", details)
		return false
	}
	return true
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

func parseJobID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	return parseUUIDParam(w, "jobID", raw)
}

func parseUUIDParam(w http.ResponseWriter, name, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps service and store errors onto the HTTP error
// envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, notFoundCode string) {
	var ve *schema.ValidationError
	var ite *store.InvalidTransitionError
	switch {
	case errors.As(err, &ve):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Parameters do not match the style's customization schema", ve.Errors)
	case errors.Is(err, generation.ErrValidation), errors.Is(err, apikeys.ErrInvalid):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.As(err, &ite):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION",
			fmt.Sprintf("Job is %s and can no longer be %s", ite.From, ite.To), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, notFoundCode, "Resource not found", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE", "Resource already exists", nil)
	default:
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
