package postgres

import (
	"context"
	"database/sql"
)

// ImageStore answers existence checks against the image catalog owned
// by the wider application. Soft-deleted images do not exist for this
// subsystem.
type ImageStore struct {
	db *sql.DB
}

func NewImageStore(db *sql.DB) *ImageStore {
	return &ImageStore{db: db}
}

func (s *ImageStore) Exists(ctx context.Context, imageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM data_instances WHERE id=$1 AND deleted_at IS NULL LIMIT 1;`, imageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
