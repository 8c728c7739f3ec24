package handler

import (
	"encoding/json"
	"net/http"

	"github.com/mss-industries/configurator/internal/api/response"
	"github.com/mss-industries/configurator/internal/generation"
)

type createStyleRequest struct {
	Name                string          `json:"name"                 validate:"required,max=200"`
	TemplateBlobPath    string          `json:"template_blob_path"   validate:"required,max=1024"`
	CustomizationSchema json.RawMessage `json:"customization_schema"`
}

// NewCreateStyleHandler returns an http.HandlerFunc for
// POST /api/v1/admin/styles.
func NewCreateStyleHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createStyleRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		style, err := svc.CreateStyle(r.Context(), generation.CreateStyleRequest{
			Name:                req.Name,
			TemplateBlobPath:    req.TemplateBlobPath,
			CustomizationSchema: req.CustomizationSchema,
		})
		if err != nil {
			writeServiceError(w, r, err, "STYLE_NOT_FOUND")
			return
		}
		response.Created(w, style)
	}
}
