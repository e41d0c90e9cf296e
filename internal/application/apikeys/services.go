package apikeys

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-imaging/mlgate/internal/application"
	"github.com/meridian-imaging/mlgate/internal/auth"
	"github.com/meridian-imaging/mlgate/internal/domain/faults"
	"github.com/meridian-imaging/mlgate/internal/domain/keys"
)

// Service implements API key management for browser users. Raw keys are
// returned exactly once at creation; only hashes are stored.
type Service struct {
	Repo  keys.Repository
	Clock application.Clock
}

// Create mints a key owned by userEmail and returns the record plus the
// raw credential.
func (s *Service) Create(ctx context.Context, userEmail, name string, expiresAt *time.Time) (*keys.ApiKey, string, error) {
	if name == "" {
		return nil, "", faults.New(faults.ValidationFailed, "key name is required")
	}
	raw, err := auth.GenerateKey()
	if err != nil {
		return nil, "", faults.Wrap(faults.Internal, "internal error", err)
	}
	hash, err := auth.HashKey(raw)
	if err != nil {
		return nil, "", faults.Wrap(faults.Internal, "internal error", err)
	}
	k := &keys.ApiKey{
		ID:        keys.KeyID(uuid.New().String()),
		UserEmail: userEmail,
		Name:      name,
		KeyHash:   hash,
		Active:    true,
		ExpiresAt: expiresAt,
		CreatedAt: s.Clock.Now(),
	}
	if err := s.Repo.Create(ctx, k); err != nil {
		return nil, "", faults.Wrap(faults.Internal, "internal error", err)
	}
	return k, raw, nil
}

// List returns the caller's keys. Hashes never serialize.
func (s *Service) List(ctx context.Context, userEmail string) ([]*keys.ApiKey, error) {
	list, err := s.Repo.ListForUser(ctx, userEmail)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "internal error", err)
	}
	return list, nil
}

// Revoke deactivates one of the caller's keys. Keys owned by someone
// else are reported as not found, not forbidden.
func (s *Service) Revoke(ctx context.Context, userEmail string, id keys.KeyID) error {
	ok, err := s.Repo.Deactivate(ctx, id, userEmail)
	if err != nil {
		return faults.Wrap(faults.Internal, "internal error", err)
	}
	if !ok {
		return faults.New(faults.NotFound, "API key not found")
	}
	return nil
}
