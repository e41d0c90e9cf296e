package keys

import (
	"time"
)

// ID tipe untuk ApiKey
type KeyID string

// ApiKey — stored credential for script and pipeline callers. Only the
// PBKDF2 hash is persisted; the raw key is shown to the owner once at
// creation time.
type ApiKey struct {
	ID         KeyID      `json:"id"`
	UserEmail  string     `json:"user_email"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Active     bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// Usable reports whether the key may authenticate a caller right now.
// Revoked or expired keys resolve to no identity, never a stale one.
func (k *ApiKey) Usable(now time.Time) bool {
	if !k.Active {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}
