// Package apikeys issues and revokes the API keys clients authenticate with.
// Raw keys leave the service exactly once, in the Issue result; only their
// bcrypt hashes are stored.
package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mss-industries/configurator/internal/store"
	"github.com/mss-industries/configurator/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "cfg_"

// ErrInvalid marks a key request rejected before anything was stored.
var ErrInvalid = errors.New("invalid api key request")

// Store is the part of store.Store that key management needs.
type Store interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, clientID *uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type IssueRequest struct {
	Name string
	// ClientID groups keys that may see each other's jobs. A nil ClientID
	// starts a new client.
	ClientID *uuid.UUID
	// Scopes defaults to generate only.
	Scopes []string
}

// Issued is a freshly created key together with its raw value.
type Issued struct {
	Key    *models.APIKey
	RawKey string
}

type Service struct {
	store Store
	cost  int
}

// NewService creates a Service hashing keys at bcrypt.DefaultCost.
func NewService(s Store) *Service {
	return &Service{store: s, cost: bcrypt.DefaultCost}
}

// WithCost returns a copy of s hashing at cost. Tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	cp := *s
	cp.cost = cost
	return &cp
}

// Issue creates a key with a random raw value.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	scopes, err := normalizeScopes(req.Scopes)
	if err != nil {
		return nil, err
	}
	clientID := uuid.New()
	if req.ClientID != nil {
		clientID = *req.ClientID
	}

	raw, err := newRawKey()
	if err != nil {
		return nil, err
	}
	key, err := s.create(ctx, raw, name, clientID, scopes)
	if err != nil {
		return nil, err
	}
	return &Issued{Key: key, RawKey: raw}, nil
}

// Register stores a caller-chosen raw key unless an identical key already
// exists. It reports whether a key was created. The server uses it to
// install the bootstrap admin key on every start.
func (s *Service) Register(ctx context.Context, raw, name string, scopes []string) (bool, error) {
	if len(raw) < models.KeyPrefixLen {
		return false, fmt.Errorf("%w: key must be at least %d characters", ErrInvalid, models.KeyPrefixLen)
	}
	scopes, err := normalizeScopes(scopes)
	if err != nil {
		return false, err
	}

	existing, err := s.store.GetAPIKeyByPrefix(ctx, raw[:models.KeyPrefixLen])
	if err != nil {
		return false, err
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(raw)) == nil {
			return false, nil
		}
	}

	if _, err := s.create(ctx, raw, name, uuid.New(), scopes); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns active keys, optionally only those of one client.
func (s *Service) List(ctx context.Context, clientID *uuid.UUID) ([]*models.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	return keys, nil
}

// Revoke disables a key. Requests using it fail authentication from then on.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	return s.store.RevokeAPIKey(ctx, id)
}

func (s *Service) create(ctx context.Context, raw, name string, clientID uuid.UUID, scopes []string) (*models.APIKey, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		ClientID:  clientID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:models.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func normalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return []string{models.ScopeGenerate}, nil
	}
	out := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if !models.IsValidScope(sc) {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalid, sc)
		}
		if !slices.Contains(out, sc) {
			out = append(out, sc)
		}
	}
	slices.Sort(out)
	return out, nil
}

func newRawKey() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return rawKeyPrefix + hex.EncodeToString(b), nil
}
