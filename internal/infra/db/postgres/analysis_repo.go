package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	domain "github.com/meridian-imaging/mlgate/internal/domain/analyses"
)

type AnalysisRepository struct {
	db *sql.DB
}

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

const analysisColumns = `id, image_id, model_name, model_version, status, error_message,
       parameters, provenance, requested_by, external_job_id, priority,
       created_at, started_at, completed_at, updated_at`

// Create inserts a new analysis row.
func (r *AnalysisRepository) Create(ctx context.Context, a *domain.Analysis) error {
	const q = `
INSERT INTO ml_analyses
(id, image_id, model_name, model_version, status, error_message,
 parameters, provenance, requested_by, external_job_id, priority, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`

	params, err := jsonOrNull(a.Parameters)
	if err != nil {
		return err
	}
	prov, err := jsonOrNull(a.Provenance)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q,
		a.ID, a.ImageID, a.ModelName, a.ModelVersion, a.Status,
		nullStr(a.ErrorMessage), params, prov, a.RequestedBy,
		nullStr(a.ExternalJobID), a.Priority, a.CreatedAt,
	)
	return err
}

// Get by ID
func (r *AnalysisRepository) Get(ctx context.Context, id domain.AnalysisID) (*domain.Analysis, error) {
	const q = `SELECT ` + analysisColumns + ` FROM ml_analyses WHERE id=$1 LIMIT 1;`
	a, err := scanAnalysis(r.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetByExternalJobID for create deduplication.
func (r *AnalysisRepository) GetByExternalJobID(ctx context.Context, jobID string) (*domain.Analysis, error) {
	const q = `SELECT ` + analysisColumns + ` FROM ml_analyses WHERE external_job_id=$1 LIMIT 1;`
	a, err := scanAnalysis(r.db.QueryRowContext(ctx, q, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListForImage pages analyses for one image, newest first.
func (r *AnalysisRepository) ListForImage(ctx context.Context, imageID string, offset, limit int) ([]*domain.Analysis, error) {
	const q = `SELECT ` + analysisColumns + `
FROM ml_analyses WHERE image_id=$1
ORDER BY created_at DESC OFFSET $2 LIMIT $3;`
	rows, err := r.db.QueryContext(ctx, q, imageID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AnalysisRepository) CountForImage(ctx context.Context, imageID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ml_analyses WHERE image_id=$1;`, imageID).Scan(&n)
	return n, err
}

// Transition applies a compare-and-swap status update. The WHERE clause
// carries the expected current status, so of two concurrent updates at
// most one can report true. Timestamps are stamped at most once via
// COALESCE.
func (r *AnalysisRepository) Transition(ctx context.Context, id domain.AnalysisID, tr domain.TransitionRequest) (bool, error) {
	const q = `
UPDATE ml_analyses SET
 status = $1,
 error_message = COALESCE(NULLIF($2,''), error_message),
 started_at = COALESCE(started_at, $3),
 completed_at = COALESCE(completed_at, $4),
 updated_at = NOW()
WHERE id = $5 AND status = $6;`

	res, err := r.db.ExecContext(ctx, q,
		tr.To, tr.ErrorMessage, nullTime(tr.StartedAt), nullTime(tr.CompletedAt), id, tr.From)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertAnnotations writes one batch atomically. The dedupe row goes in
// first; a conflict on (analysis_id, idempotency_token) means this
// exact batch was already committed, so nothing is inserted again.
func (r *AnalysisRepository) InsertAnnotations(ctx context.Context, id domain.AnalysisID, token string, anns []*domain.Annotation) (int, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO annotation_batches (analysis_id, idempotency_token, annotation_count, created_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (analysis_id, idempotency_token) DO NOTHING;`, id, token, len(anns))
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		// Replayed batch: report the originally committed count.
		var count int
		err := tx.QueryRowContext(ctx, `
SELECT annotation_count FROM annotation_batches
WHERE analysis_id=$1 AND idempotency_token=$2;`, id, token).Scan(&count)
		if err != nil {
			return 0, false, err
		}
		return count, true, tx.Commit()
	}

	const q = `
INSERT INTO ml_annotations
(id, analysis_id, annotation_type, class_name, confidence, data, storage_path, ordering, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`
	for _, a := range anns {
		data, err := json.Marshal(a.Data)
		if err != nil {
			return 0, false, err
		}
		if _, err := tx.ExecContext(ctx, q,
			a.ID, a.AnalysisID, a.Type, nullStr(a.ClassName),
			nullFloat(a.Confidence), data, nullStr(a.StoragePath),
			nullInt(a.Ordering), a.CreatedAt,
		); err != nil {
			return 0, false, err
		}
	}
	return len(anns), false, tx.Commit()
}

// ListAnnotations pages annotations, stable order.
func (r *AnalysisRepository) ListAnnotations(ctx context.Context, id domain.AnalysisID, offset, limit int) ([]*domain.Annotation, error) {
	const q = `
SELECT id, analysis_id, annotation_type, class_name, confidence, data, storage_path, ordering, created_at
FROM ml_annotations WHERE analysis_id=$1
ORDER BY ordering NULLS LAST, created_at, id OFFSET $2 LIMIT $3;`
	rows, err := r.db.QueryContext(ctx, q, id, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AnalysisRepository) CountAnnotations(ctx context.Context, id domain.AnalysisID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ml_annotations WHERE analysis_id=$1;`, id).Scan(&n)
	return n, err
}

//
// ==== row scanning ====
//

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*domain.Analysis, error) {
	var a domain.Analysis
	var errMsg, extJob sql.NullString
	var params, prov []byte
	var started, completed, updated sql.NullTime
	if err := row.Scan(
		&a.ID, &a.ImageID, &a.ModelName, &a.ModelVersion, &a.Status, &errMsg,
		&params, &prov, &a.RequestedBy, &extJob, &a.Priority,
		&a.CreatedAt, &started, &completed, &updated,
	); err != nil {
		return nil, err
	}
	a.ErrorMessage = errMsg.String
	a.ExternalJobID = extJob.String
	if len(params) > 0 {
		if err := json.Unmarshal(params, &a.Parameters); err != nil {
			return nil, err
		}
	}
	if len(prov) > 0 {
		if err := json.Unmarshal(prov, &a.Provenance); err != nil {
			return nil, err
		}
	}
	a.StartedAt = timePtr(started)
	a.CompletedAt = timePtr(completed)
	a.UpdatedAt = timePtr(updated)
	return &a, nil
}

func scanAnnotation(row rowScanner) (*domain.Annotation, error) {
	var a domain.Annotation
	var class, path sql.NullString
	var conf sql.NullFloat64
	var ord sql.NullInt64
	var data []byte
	if err := row.Scan(
		&a.ID, &a.AnalysisID, &a.Type, &class, &conf, &data, &path, &ord, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.ClassName = class.String
	a.StoragePath = path.String
	if conf.Valid {
		v := conf.Float64
		a.Confidence = &v
	}
	if ord.Valid {
		v := int(ord.Int64)
		a.Ordering = &v
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &a.Data); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
