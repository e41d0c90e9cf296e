package analyses

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-imaging/mlgate/internal/application"
	domain "github.com/meridian-imaging/mlgate/internal/domain/analyses"
	"github.com/meridian-imaging/mlgate/internal/domain/faults"
)

// Service implements use-cases for Analysis lifecycle and result
// ingestion. Safe for concurrent use; per-analysis ordering is enforced
// by the repository's compare-and-swap transition, not in-process locks.
type Service struct {
	Repo      domain.Repository
	Images    domain.ImageStore
	Artifacts domain.ArtifactStore
	Clock     application.Clock
	Log       zerolog.Logger

	AllowedModels       []string
	MaxAnalysesPerImage int
	MaxBulkAnnotations  int
	MaxArtifacts        int
	PresignExpiry       time.Duration
}

// transitionRetries bounds the CAS retry loop when concurrent updates
// race on one analysis.
const transitionRetries = 3

// contentTypes maps the artifact content types a pipeline may request
// to acceptance. Anything absent is rejected.
var contentTypes = map[string]bool{
	"image/png":                true,
	"image/jpeg":               true,
	"application/json":         true,
	"text/plain":               true,
	"application/octet-stream": true,
}

var artifactNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._\-]+$`)

//
// ==== USE CASES ====
//

type CreateCommand struct {
	ImageID       string
	ModelName     string
	ModelVersion  string
	Parameters    map[string]any
	Provenance    map[string]any
	ExternalJobID string
	Priority      int
	RequestedBy   string
}

// Create records a new analysis in state queued. A duplicate external
// job id returns the already-created analysis so pipeline-side retries
// of the create call are safe.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*domain.Analysis, error) {
	if !s.modelAllowed(cmd.ModelName) {
		return nil, faults.Newf(faults.ValidationFailed, "model %q not allowed", cmd.ModelName)
	}
	ok, err := s.Images.Exists(ctx, cmd.ImageID)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "internal error", err)
	}
	if !ok {
		// Missing and out-of-scope images are indistinguishable here.
		return nil, faults.New(faults.NotFound, "image not found")
	}
	if cmd.ExternalJobID != "" {
		existing, err := s.Repo.GetByExternalJobID(ctx, cmd.ExternalJobID)
		if err != nil {
			return nil, faults.Wrap(faults.Internal, "internal error", err)
		}
		if existing != nil {
			return existing, nil
		}
	}
	count, err := s.Repo.CountForImage(ctx, cmd.ImageID)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "internal error", err)
	}
	if count >= s.MaxAnalysesPerImage {
		return nil, faults.New(faults.ValidationFailed, "analysis limit reached for this image")
	}

	a := &domain.Analysis{
		ID:            domain.AnalysisID(uuid.New().String()),
		ImageID:       cmd.ImageID,
		ModelName:     cmd.ModelName,
		ModelVersion:  cmd.ModelVersion,
		Status:        domain.StatusQueued,
		Parameters:    cmd.Parameters,
		Provenance:    cmd.Provenance,
		RequestedBy:   cmd.RequestedBy,
		ExternalJobID: cmd.ExternalJobID,
		Priority:      cmd.Priority,
		CreatedAt:     s.Clock.Now(),
	}
	if err := s.Repo.Create(ctx, a); err != nil {
		return nil, faults.Wrap(faults.Internal, "internal error", err)
	}
	s.Log.Info().
		Str("event", "analysis_created").
		Str("analysis_id", string(a.ID)).
		Str("image_id", a.ImageID).
		Str("model", a.ModelName).
		Str("requested_by", a.RequestedBy).
		Msg("analysis created")
	return a, nil
}

// Get returns one analysis.
func (s *Service) Get(ctx context.Context, id domain.AnalysisID) (*domain.Analysis, error) {
	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "internal error", err)
	}
	if a == nil {
		return nil, faults.New(faults.NotFound, "analysis not found")
	}
	return a, nil
}

// ListForImage pages analyses recorded against one image.
func (s *Service) ListForImage(ctx context.Context, imageID string, offset, limit int) ([]*domain.Analysis, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	list, err := s.Repo.ListForImage(ctx, imageID, offset, limit)
	if err != nil {
		return nil, 0, faults.Wrap(faults.Internal, "internal error", err)
	}
	total, err := s.Repo.CountForImage(ctx, imageID)
	if err != nil {
		return nil, 0, faults.Wrap(faults.Internal, "internal error", err)
	}
	return list, total, nil
}

// ListAnnotations pages annotations belonging to one analysis.
func (s *Service) ListAnnotations(ctx context.Context, id domain.AnalysisID, offset, limit int) ([]*domain.Annotation, int, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	list, err := s.Repo.ListAnnotations(ctx, id, offset, limit)
	if err != nil {
		return nil, 0, faults.Wrap(faults.Internal, "internal error", err)
	}
	total, err := s.Repo.CountAnnotations(ctx, id)
	if err != nil {
		return nil, 0, faults.Wrap(faults.Internal, "internal error", err)
	}
	return list, total, nil
}

// UpdateStatus applies one state-machine transition. Illegal moves are
// conflicts carrying current vs requested status; they are never
// silently accepted.
func (s *Service) UpdateStatus(ctx context.Context, id domain.AnalysisID, target domain.Status, errMsg string) (*domain.Analysis, error) {
	if !domain.ValidStatus(target) {
		return nil, faults.Newf(faults.ValidationFailed, "unknown status %q", target)
	}
	for attempt := 0; attempt < transitionRetries; attempt++ {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Status == target {
			if domain.Terminal(a.Status) {
				// Idempotent terminal repeat: retry-safe, no new timestamps.
				return a, nil
			}
			return nil, conflict(a.Status, target)
		}
		if !domain.CanTransition(a.Status, target) {
			return nil, conflict(a.Status, target)
		}
		tr := s.buildTransition(a, target, errMsg)
		ok, err := s.Repo.Transition(ctx, id, tr)
		if err != nil {
			return nil, faults.Wrap(faults.Internal, "internal error", err)
		}
		if ok {
			s.logTransition(a.Status, target, id)
			return s.Get(ctx, id)
		}
		// CAS lost to a concurrent update; re-read and re-evaluate.
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, conflict(a.Status, target)
}

// Finalize moves an analysis to completed or failed, skipping
// processing when the pipeline finished in one shot. Repeating the same
// terminal status is a no-op; a different terminal status conflicts.
func (s *Service) Finalize(ctx context.Context, id domain.AnalysisID, target domain.Status, summary string) (*domain.Analysis, error) {
	if target != domain.StatusCompleted && target != domain.StatusFailed {
		return nil, faults.Newf(faults.ValidationFailed, "finalize status must be completed or failed, got %q", target)
	}
	for attempt := 0; attempt < transitionRetries; attempt++ {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if domain.Terminal(a.Status) {
			if a.Status == target {
				return a, nil
			}
			return nil, conflict(a.Status, target)
		}
		if !domain.CanFinalize(a.Status, target) {
			return nil, conflict(a.Status, target)
		}
		now := s.Clock.Now()
		tr := domain.TransitionRequest{From: a.Status, To: target, CompletedAt: &now}
		if a.StartedAt == nil {
			// Fast path from queued: the run started and ended now.
			tr.StartedAt = &now
		}
		if target == domain.StatusFailed {
			tr.ErrorMessage = summary
		}
		ok, err := s.Repo.Transition(ctx, id, tr)
		if err != nil {
			return nil, faults.Wrap(faults.Internal, "internal error", err)
		}
		if ok {
			s.logTransition(a.Status, target, id)
			return s.Get(ctx, id)
		}
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if domain.Terminal(a.Status) && a.Status == target {
		return a, nil
	}
	return nil, conflict(a.Status, target)
}

type BulkResult struct {
	Created  int                  `json:"created"`
	Replayed bool                 `json:"replayed"`
	Items    []*domain.Annotation `json:"annotations"`
}

// BulkAnnotations ingests one batch for one analysis, all-or-nothing.
// The idempotency token is required: a replayed (analysis, token) pair
// inserts nothing, so network-level retries cannot duplicate rows.
func (s *Service) BulkAnnotations(ctx context.Context, id domain.AnalysisID, token string, anns []*domain.Annotation) (*BulkResult, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, faults.New(faults.ValidationFailed, "idempotency_token is required")
	}
	if len(anns) == 0 {
		return nil, faults.New(faults.ValidationFailed, "annotations batch is empty")
	}
	if len(anns) > s.MaxBulkAnnotations {
		return nil, faults.Newf(faults.ValidationFailed, "too many annotations in one request (max %d)", s.MaxBulkAnnotations)
	}
	now := s.Clock.Now()
	prefix := string(a.ID) + "/"
	for i, ann := range anns {
		ann.ID = domain.AnnotationID(uuid.New().String())
		ann.AnalysisID = a.ID
		ann.CreatedAt = now
		if err := ann.Validate(); err != nil {
			return nil, faults.Newf(faults.ValidationFailed, "annotation %d: %s", i, faults.Reason(err))
		}
		if ann.StoragePath != "" && !strings.HasPrefix(ann.StoragePath, prefix) {
			return nil, faults.Newf(faults.ValidationFailed, "annotation %d: storage_path must start with %q", i, prefix)
		}
	}
	inserted, replay, err := s.Repo.InsertAnnotations(ctx, a.ID, token, anns)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "internal error", err)
	}
	items, _, err := s.ListAnnotations(ctx, a.ID, 0, s.MaxBulkAnnotations)
	if err != nil {
		return nil, err
	}
	s.Log.Info().
		Str("event", "annotations_ingested").
		Str("analysis_id", string(a.ID)).
		Int("created", inserted).
		Bool("replayed", replay).
		Msg("bulk annotations")
	return &BulkResult{Created: inserted, Replayed: replay, Items: items}, nil
}

type ArtifactRequest struct {
	ArtifactName string `json:"artifact_name"`
	ContentType  string `json:"content_type"`
}

type PresignedArtifact struct {
	ArtifactName string    `json:"artifact_name"`
	StoragePath  string    `json:"storage_path"`
	UploadURL    string    `json:"upload_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Presign issues one scoped upload URL per requested artifact at the
// deterministic key {analysis-id}/{artifact-name}. Issuing a URL does
// not mutate the analysis; the upload happens out of band.
func (s *Service) Presign(ctx context.Context, id domain.AnalysisID, reqs []ArtifactRequest) ([]PresignedArtifact, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, faults.New(faults.ValidationFailed, "artifacts list is empty")
	}
	if len(reqs) > s.MaxArtifacts {
		return nil, faults.Newf(faults.ValidationFailed, "too many artifacts in one request (max %d)", s.MaxArtifacts)
	}
	if domain.Terminal(a.Status) && a.CompletedAt != nil &&
		s.Clock.Now().Sub(*a.CompletedAt) > s.PresignExpiry {
		return nil, faults.Newf(faults.StateConflict, "analysis is %s; uploads are closed", a.Status)
	}
	now := s.Clock.Now()
	out := make([]PresignedArtifact, 0, len(reqs))
	for _, req := range reqs {
		if !artifactNamePattern.MatchString(req.ArtifactName) || strings.Contains(req.ArtifactName, "..") {
			return nil, faults.Newf(faults.ValidationFailed, "invalid artifact name %q", req.ArtifactName)
		}
		if !contentTypes[req.ContentType] {
			return nil, faults.Newf(faults.ValidationFailed, "content type %q not allowed", req.ContentType)
		}
		key := fmt.Sprintf("%s/%s", a.ID, req.ArtifactName)
		url, err := s.Artifacts.PresignUpload(ctx, key, req.ContentType, s.PresignExpiry)
		if err != nil {
			return nil, faults.Wrap(faults.Internal, "failed to presign upload", err)
		}
		out = append(out, PresignedArtifact{
			ArtifactName: req.ArtifactName,
			StoragePath:  key,
			UploadURL:    url,
			ExpiresAt:    now.Add(s.PresignExpiry),
		})
	}
	return out, nil
}

// PresignDownload issues a short-lived GET URL for a stored artifact.
// The path must be the verbatim {analysis-id}/{artifact-name} key, and
// the analysis must exist.
func (s *Service) PresignDownload(ctx context.Context, storagePath string) (string, error) {
	analysisID, name, ok := strings.Cut(storagePath, "/")
	if !ok || name == "" || strings.Contains(name, "/") ||
		!artifactNamePattern.MatchString(name) {
		return "", faults.New(faults.ValidationFailed, "invalid artifact path")
	}
	if _, err := uuid.Parse(analysisID); err != nil {
		return "", faults.New(faults.ValidationFailed, "invalid analysis ID in path")
	}
	if _, err := s.Get(ctx, domain.AnalysisID(analysisID)); err != nil {
		return "", err
	}
	url, err := s.Artifacts.PresignDownload(ctx, storagePath, s.PresignExpiry)
	if err != nil {
		return "", faults.Wrap(faults.Internal, "failed to presign download", err)
	}
	return url, nil
}

type ExportBundle struct {
	Analysis        *domain.Analysis     `json:"analysis"`
	Annotations     []*domain.Annotation `json:"annotations"`
	AnnotationCount int                  `json:"annotation_count"`
}

// Export returns the full analysis with every annotation for offline use.
func (s *Service) Export(ctx context.Context, id domain.AnalysisID) (*ExportBundle, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	total, err := s.Repo.CountAnnotations(ctx, id)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "internal error", err)
	}
	anns, err := s.Repo.ListAnnotations(ctx, id, 0, total)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "internal error", err)
	}
	return &ExportBundle{Analysis: a, Annotations: anns, AnnotationCount: len(anns)}, nil
}

//
// ==== helpers ====
//

func (s *Service) modelAllowed(name string) bool {
	for _, m := range s.AllowedModels {
		if m == name {
			return true
		}
	}
	return false
}

func (s *Service) buildTransition(a *domain.Analysis, target domain.Status, errMsg string) domain.TransitionRequest {
	now := s.Clock.Now()
	tr := domain.TransitionRequest{From: a.Status, To: target, ErrorMessage: errMsg}
	if target == domain.StatusProcessing && a.StartedAt == nil {
		tr.StartedAt = &now
	}
	if domain.Terminal(target) {
		tr.CompletedAt = &now
	}
	return tr
}

func (s *Service) logTransition(from, to domain.Status, id domain.AnalysisID) {
	s.Log.Info().
		Str("event", "analysis_status").
		Str("analysis_id", string(id)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("status transition")
}

func conflict(current, requested domain.Status) error {
	return faults.Newf(faults.StateConflict, "illegal transition: current status is %q, requested %q", current, requested)
}
