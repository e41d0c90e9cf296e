package analyses

import (
	"context"
	"time"
)

// TransitionRequest is the atomic unit handed to the repository: the
// expected current status and the target, plus the timestamps the
// transition stamps. The repository must apply it compare-and-swap style
// so two concurrent updates on one analysis cannot both win.
type TransitionRequest struct {
	From         Status
	To           Status
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Repository port (interface untuk persistence)
type Repository interface {
	Create(ctx context.Context, a *Analysis) error
	Get(ctx context.Context, id AnalysisID) (*Analysis, error)
	GetByExternalJobID(ctx context.Context, jobID string) (*Analysis, error)
	ListForImage(ctx context.Context, imageID string, offset, limit int) ([]*Analysis, error)
	CountForImage(ctx context.Context, imageID string) (int, error)

	// Transition applies tr iff the stored status still equals tr.From.
	// Returns false (no error) when the CAS loses.
	Transition(ctx context.Context, id AnalysisID, tr TransitionRequest) (bool, error)

	// InsertAnnotations writes the whole batch in one transaction keyed
	// by the caller's idempotency token. A replayed (analysis, token)
	// pair inserts nothing and reports replay=true.
	InsertAnnotations(ctx context.Context, id AnalysisID, token string, anns []*Annotation) (inserted int, replay bool, err error)
	ListAnnotations(ctx context.Context, id AnalysisID, offset, limit int) ([]*Annotation, error)
	CountAnnotations(ctx context.Context, id AnalysisID) (int, error)
}

// ImageStore port — the image catalog is an external collaborator; this
// subsystem only needs existence checks for the target image.
type ImageStore interface {
	Exists(ctx context.Context, imageID string) (bool, error)
}

// ArtifactStore port (interface untuk object storage presigning)
type ArtifactStore interface {
	PresignUpload(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error)
}
