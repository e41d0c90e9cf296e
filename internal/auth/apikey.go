package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/meridian-imaging/mlgate/internal/domain/keys"
)

const (
	keyBytes    = 32
	saltBytes   = 32
	hashBytes   = 32
	pbkdf2Iters = 100000
)

// GenerateKey returns a new random bearer credential.
func GenerateKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashKey derives a PBKDF2-HMAC-SHA256 hash with a fresh salt, stored
// as hex(salt) || hex(hash).
func HashKey(raw string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := pbkdf2.Key([]byte(raw), salt, pbkdf2Iters, hashBytes, sha256.New)
	return hex.EncodeToString(salt) + hex.EncodeToString(sum), nil
}

// VerifyKey checks raw against a stored salt||hash value in constant time.
func VerifyKey(raw, stored string) bool {
	if len(stored) != (saltBytes+hashBytes)*2 {
		return false
	}
	salt, err := hex.DecodeString(stored[:saltBytes*2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(stored[saltBytes*2:])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(raw), salt, pbkdf2Iters, hashBytes, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// KeyResolver turns a bearer credential into a stored identity, or
// nothing. Revoked and expired keys are filtered before hashing.
type KeyResolver struct {
	repo keys.Repository
	now  func() time.Time
}

func NewKeyResolver(repo keys.Repository) *KeyResolver {
	return &KeyResolver{repo: repo, now: time.Now}
}

// WithClock replaces the time source. For tests.
func (r *KeyResolver) WithClock(now func() time.Time) *KeyResolver {
	r.now = now
	return r
}

// Resolve returns the matching key, or (nil, nil) when the credential
// matches nothing usable. Salted hashes force a scan over active keys;
// the active set is expected to stay small.
func (r *KeyResolver) Resolve(ctx context.Context, raw string) (*keys.ApiKey, error) {
	if raw == "" {
		return nil, nil
	}
	active, err := r.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	for _, k := range active {
		if !k.Usable(now) {
			continue
		}
		if VerifyKey(raw, k.KeyHash) {
			// Best effort; resolution must not fail on bookkeeping.
			_ = r.repo.TouchLastUsed(ctx, k.ID, now)
			return k, nil
		}
	}
	return nil, nil
}
