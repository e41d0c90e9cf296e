package httpserver

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appanalyses "github.com/meridian-imaging/mlgate/internal/application/analyses"
	domain "github.com/meridian-imaging/mlgate/internal/domain/analyses"
	"github.com/meridian-imaging/mlgate/internal/domain/faults"
	"github.com/meridian-imaging/mlgate/internal/domain/keys"
	"github.com/meridian-imaging/mlgate/internal/middleware"
)

// POST /api-ml/v1/images/{imageID}/analyses
func (r *Router) handleCreateAnalysis(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		ModelName     string         `json:"model_name" validate:"required"`
		ModelVersion  string         `json:"model_version"`
		Parameters    map[string]any `json:"parameters"`
		Provenance    map[string]any `json:"provenance"`
		ExternalJobID string         `json:"external_job_id"`
		Priority      int            `json:"priority" validate:"gte=0,lte=100"`
	}
	if err := r.decode(req, &body); err != nil {
		return err
	}
	caller := middleware.CallerFromContext(req.Context())
	a, err := r.analysesSvc.Create(req.Context(), appanalyses.CreateCommand{
		ImageID:       chi.URLParam(req, "imageID"),
		ModelName:     body.ModelName,
		ModelVersion:  body.ModelVersion,
		Parameters:    body.Parameters,
		Provenance:    body.Provenance,
		ExternalJobID: body.ExternalJobID,
		Priority:      body.Priority,
		RequestedBy:   caller.Subject,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, a)
	return nil
}

// PATCH /api-ml/v1/analyses/{id}/status
func (r *Router) handleUpdateStatus(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Status       string `json:"status" validate:"required"`
		ErrorMessage string `json:"error_message"`
	}
	if err := r.decode(req, &body); err != nil {
		return err
	}
	a, err := r.analysesSvc.UpdateStatus(req.Context(),
		domain.AnalysisID(chi.URLParam(req, "id")),
		domain.Status(body.Status), body.ErrorMessage)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, a)
	return nil
}

// POST /api-ml/v1/analyses/{id}/finalize
func (r *Router) handleFinalize(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Status  string `json:"status" validate:"required,oneof=completed failed"`
		Summary string `json:"summary"`
	}
	if err := r.decode(req, &body); err != nil {
		return err
	}
	a, err := r.analysesSvc.Finalize(req.Context(),
		domain.AnalysisID(chi.URLParam(req, "id")),
		domain.Status(body.Status), body.Summary)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, a)
	return nil
}

// POST /api-ml/v1/analyses/{id}/annotations/bulk
func (r *Router) handleBulkAnnotations(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		IdempotencyToken string `json:"idempotency_token" validate:"required"`
		Annotations      []struct {
			Type        string         `json:"annotation_type" validate:"required"`
			ClassName   string         `json:"class_name"`
			Confidence  *float64       `json:"confidence"`
			Data        map[string]any `json:"data"`
			StoragePath string         `json:"storage_path"`
			Ordering    *int           `json:"ordering"`
		} `json:"annotations" validate:"required"`
	}
	if err := r.decode(req, &body); err != nil {
		return err
	}
	anns := make([]*domain.Annotation, 0, len(body.Annotations))
	for _, in := range body.Annotations {
		anns = append(anns, &domain.Annotation{
			Type:        domain.AnnotationType(in.Type),
			ClassName:   in.ClassName,
			Confidence:  in.Confidence,
			Data:        in.Data,
			StoragePath: in.StoragePath,
			Ordering:    in.Ordering,
		})
	}
	res, err := r.analysesSvc.BulkAnnotations(req.Context(),
		domain.AnalysisID(chi.URLParam(req, "id")), body.IdempotencyToken, anns)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
	return nil
}

// POST /api-ml/v1/analyses/{id}/artifacts/presign
func (r *Router) handlePresign(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Artifacts []appanalyses.ArtifactRequest `json:"artifacts" validate:"required"`
	}
	if err := r.decode(req, &body); err != nil {
		return err
	}
	urls, err := r.analysesSvc.Presign(req.Context(),
		domain.AnalysisID(chi.URLParam(req, "id")), body.Artifacts)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": urls})
	return nil
}

// GET /{surface}/v1/images/{imageID}/analyses?offset=&limit=
func (r *Router) handleListForImage(w http.ResponseWriter, req *http.Request) error {
	offset, limit := pageParams(req)
	list, total, err := r.analysesSvc.ListForImage(req.Context(),
		chi.URLParam(req, "imageID"), offset, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": list,
		"total":    total,
	})
	return nil
}

// GET /{surface}/v1/analyses/{id}
func (r *Router) handleGetAnalysis(w http.ResponseWriter, req *http.Request) error {
	a, err := r.analysesSvc.Get(req.Context(), domain.AnalysisID(chi.URLParam(req, "id")))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, a)
	return nil
}

// GET /{surface}/v1/analyses/{id}/annotations?offset=&limit=
func (r *Router) handleListAnnotations(w http.ResponseWriter, req *http.Request) error {
	offset, limit := pageParams(req)
	list, total, err := r.analysesSvc.ListAnnotations(req.Context(),
		domain.AnalysisID(chi.URLParam(req, "id")), offset, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"annotations": list,
		"total":       total,
	})
	return nil
}

// GET /{surface}/v1/analyses/{id}/export?format=json|csv
func (r *Router) handleExport(w http.ResponseWriter, req *http.Request) error {
	bundle, err := r.analysesSvc.Export(req.Context(), domain.AnalysisID(chi.URLParam(req, "id")))
	if err != nil {
		return err
	}
	format := req.URL.Query().Get("format")
	switch format {
	case "", "json":
		writeJSON(w, http.StatusOK, bundle)
		return nil
	case "csv":
		return writeAnnotationsCSV(w, bundle)
	default:
		return faults.Newf(faults.ValidationFailed, "unsupported export format %q", format)
	}
}

func writeAnnotationsCSV(w http.ResponseWriter, bundle *appanalyses.ExportBundle) error {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", string(bundle.Analysis.ID)+"-annotations.csv"))
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "annotation_type", "class_name", "confidence", "storage_path", "ordering", "created_at"}); err != nil {
		return err
	}
	for _, a := range bundle.Annotations {
		conf, ord := "", ""
		if a.Confidence != nil {
			conf = strconv.FormatFloat(*a.Confidence, 'f', -1, 64)
		}
		if a.Ordering != nil {
			ord = strconv.Itoa(*a.Ordering)
		}
		if err := cw.Write([]string{
			string(a.ID), string(a.Type), a.ClassName, conf,
			a.StoragePath, ord, a.CreatedAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// GET /{surface}/v1/artifacts/download?path={analysis-id}/{artifact-name}
func (r *Router) handleDownload(w http.ResponseWriter, req *http.Request) error {
	path := req.URL.Query().Get("path")
	if path == "" {
		return faults.New(faults.ValidationFailed, "path query parameter is required")
	}
	url, err := r.analysesSvc.PresignDownload(req.Context(), path)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"download_url": url})
	return nil
}

// POST /api/v1/api-keys
func (r *Router) handleCreateKey(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Name      string     `json:"name" validate:"required,max=120"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := r.decode(req, &body); err != nil {
		return err
	}
	caller := middleware.CallerFromContext(req.Context())
	key, raw, err := r.keysSvc.Create(req.Context(), caller.Subject, body.Name, body.ExpiresAt)
	if err != nil {
		return err
	}
	// The raw key appears exactly once, in this response.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     key,
		"api_key": raw,
	})
	return nil
}

// GET /api/v1/api-keys
func (r *Router) handleListKeys(w http.ResponseWriter, req *http.Request) error {
	caller := middleware.CallerFromContext(req.Context())
	list, err := r.keysSvc.List(req.Context(), caller.Subject)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": list})
	return nil
}

// DELETE /api/v1/api-keys/{id}
func (r *Router) handleRevokeKey(w http.ResponseWriter, req *http.Request) error {
	caller := middleware.CallerFromContext(req.Context())
	if err := r.keysSvc.Revoke(req.Context(), caller.Subject,
		keys.KeyID(chi.URLParam(req, "id"))); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func pageParams(req *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(req.URL.Query().Get("limit"))
	return offset, limit
}
