package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	ScopeAdmin    = "admin"
	ScopeGenerate = "generate"

	// KeyPrefixLen is the number of leading raw-key characters stored in
	// clear for lookup.
	KeyPrefixLen = 8

	RoleAdmin  = "admin"
	RoleClient = "client"
)

// APIKey represents an authentication key for a client or administrator.
// Raw keys are shown once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	ClientID   uuid.UUID  `db:"client_id"    json:"client_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// IsValidScope reports whether s is a scope a key can be granted.
func IsValidScope(s string) bool {
	return s == ScopeAdmin || s == ScopeGenerate
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	ClientID uuid.UUID
	Role     string
}

// CallerFromKey derives the caller identity granted by an API key.
func CallerFromKey(k *APIKey) Caller {
	role := RoleClient
	if slices.Contains(k.Scopes, ScopeAdmin) {
		role = RoleAdmin
	}
	return Caller{ClientID: k.ClientID, Role: role}
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// CanAccess reports whether the caller may read or cancel a job owned by
// owner.
func (c Caller) CanAccess(owner uuid.UUID) bool {
	return c.IsAdmin() || owner == c.ClientID
}
