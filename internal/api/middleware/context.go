package middleware

import (
	"context"
	"net/http"

	"github.com/mss-industries/configurator/pkg/models"
)

type contextKey string

const (
	callerKey       contextKey = "caller"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// SetCaller stores the authenticated caller in ctx.
func SetCaller(ctx context.Context, c models.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// GetCaller returns the caller set by Authenticate.
func GetCaller(r *http.Request) (models.Caller, bool) {
	c, ok := r.Context().Value(callerKey).(models.Caller)
	return c, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}
