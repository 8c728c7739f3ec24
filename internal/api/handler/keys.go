package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mss-industries/configurator/internal/api/response"
	"github.com/mss-industries/configurator/internal/apikeys"
	"github.com/mss-industries/configurator/pkg/models"
)

// KeyService is the apikeys.Service surface the admin key handlers use.
type KeyService interface {
	Issue(ctx context.Context, req apikeys.IssueRequest) (*apikeys.Issued, error)
	List(ctx context.Context, clientID *uuid.UUID) ([]*models.APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
}

type createKeyRequest struct {
	Name     string   `json:"name"      validate:"required,max=200"`
	ClientID string   `json:"client_id" validate:"omitempty,uuid"`
	Scopes   []string `json:"scopes"    validate:"omitempty,dive,oneof=admin generate"`
}

// createKeyResponse is the only response that ever carries a raw key.
type createKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	ClientID  uuid.UUID `json:"client_id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
func NewCreateKeyHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		issue := apikeys.IssueRequest{Name: req.Name, Scopes: req.Scopes}
		if req.ClientID != "" {
			id := uuid.MustParse(req.ClientID)
			issue.ClientID = &id
		}

		issued, err := svc.Issue(r.Context(), issue)
		if err != nil {
			writeServiceError(w, r, err, "KEY_NOT_FOUND")
			return
		}
		k := issued.Key
		response.Created(w, createKeyResponse{
			ID:        k.ID,
			ClientID:  k.ClientID,
			Name:      k.Name,
			Key:       issued.RawKey,
			KeyPrefix: k.KeyPrefix,
			Scopes:    k.Scopes,
			CreatedAt: k.CreatedAt,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
// ?client_id= narrows the listing to one client.
func NewListKeysHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var clientID *uuid.UUID
		if raw := r.URL.Query().Get("client_id"); raw != "" {
			id, ok := parseUUIDParam(w, "client_id", raw)
			if !ok {
				return
			}
			clientID = &id
		}

		keys, err := svc.List(r.Context(), clientID)
		if err != nil {
			writeServiceError(w, r, err, "KEY_NOT_FOUND")
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.Collection(w, keys, response.ListMeta{Limit: len(keys), Count: len(keys)})
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, "keyID", chi.URLParam(r, "keyID"))
		if !ok {
			return
		}
		if err := svc.Revoke(r.Context(), id); err != nil {
			writeServiceError(w, r, err, "KEY_NOT_FOUND")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
