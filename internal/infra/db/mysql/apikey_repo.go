package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/meridian-imaging/mlgate/internal/domain/keys"
)

type ApiKeyRepository struct {
	db *sql.DB
}

func NewApiKeyRepository(db *sql.DB) *ApiKeyRepository {
	return &ApiKeyRepository{db: db}
}

const keyColumns = `id, user_email, name, key_hash, is_active, expires_at, last_used_at, created_at, updated_at`

func (r *ApiKeyRepository) Create(ctx context.Context, k *keys.ApiKey) error {
	const q = `
INSERT INTO api_keys (id, user_email, name, key_hash, is_active, expires_at, created_at)
VALUES (?,?,?,?,?,?,?);`
	_, err := r.db.ExecContext(ctx, q,
		k.ID, k.UserEmail, k.Name, k.KeyHash, k.Active, nullTime(k.ExpiresAt), k.CreatedAt)
	return err
}

// ListActive returns every usable key for credential resolution. The
// resolver re-checks expiry so a key expiring mid-scan still fails.
func (r *ApiKeyRepository) ListActive(ctx context.Context) ([]*keys.ApiKey, error) {
	const q = `SELECT ` + keyColumns + `
FROM api_keys
WHERE is_active AND (expires_at IS NULL OR expires_at > NOW());`
	return r.list(ctx, q)
}

func (r *ApiKeyRepository) ListForUser(ctx context.Context, userEmail string) ([]*keys.ApiKey, error) {
	const q = `SELECT ` + keyColumns + `
FROM api_keys WHERE user_email=? ORDER BY created_at DESC;`
	return r.list(ctx, q, userEmail)
}

func (r *ApiKeyRepository) TouchLastUsed(ctx context.Context, id keys.KeyID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=?, updated_at=NOW() WHERE id=?;`, at, id)
	return err
}

// Deactivate revokes a key only when owned by userEmail.
func (r *ApiKeyRepository) Deactivate(ctx context.Context, id keys.KeyID, userEmail string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE api_keys SET is_active=FALSE, updated_at=NOW()
WHERE id=? AND user_email=? AND is_active;`, id, userEmail)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *ApiKeyRepository) list(ctx context.Context, q string, args ...any) ([]*keys.ApiKey, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*keys.ApiKey
	for rows.Next() {
		var k keys.ApiKey
		var expires, lastUsed, updated sql.NullTime
		if err := rows.Scan(
			&k.ID, &k.UserEmail, &k.Name, &k.KeyHash, &k.Active,
			&expires, &lastUsed, &k.CreatedAt, &updated,
		); err != nil {
			return nil, err
		}
		k.ExpiresAt = timePtr(expires)
		k.LastUsedAt = timePtr(lastUsed)
		k.UpdatedAt = timePtr(updated)
		out = append(out, &k)
	}
	return out, rows.Err()
}
