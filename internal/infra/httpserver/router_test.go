package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-imaging/mlgate/internal/application"
	appanalyses "github.com/meridian-imaging/mlgate/internal/application/analyses"
	appapikeys "github.com/meridian-imaging/mlgate/internal/application/apikeys"
	"github.com/meridian-imaging/mlgate/internal/auth"
	domain "github.com/meridian-imaging/mlgate/internal/domain/analyses"
	"github.com/meridian-imaging/mlgate/internal/domain/keys"
	"github.com/meridian-imaging/mlgate/internal/middleware"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

//
// in-memory adapters
//

type memAnalysisRepo struct {
	mu       sync.Mutex
	analyses map[domain.AnalysisID]*domain.Analysis
	anns     map[domain.AnalysisID][]*domain.Annotation
	batches  map[string]int
}

func newMemAnalysisRepo() *memAnalysisRepo {
	return &memAnalysisRepo{
		analyses: map[domain.AnalysisID]*domain.Analysis{},
		anns:     map[domain.AnalysisID][]*domain.Annotation{},
		batches:  map[string]int{},
	}
}

func (r *memAnalysisRepo) Create(_ context.Context, a *domain.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *a
	r.analyses[a.ID] = &c
	return nil
}

func (r *memAnalysisRepo) Get(_ context.Context, id domain.AnalysisID) (*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (r *memAnalysisRepo) GetByExternalJobID(_ context.Context, jobID string) (*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.analyses {
		if a.ExternalJobID == jobID {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

func (r *memAnalysisRepo) ListForImage(_ context.Context, imageID string, offset, limit int) ([]*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Analysis
	for _, a := range r.analyses {
		if a.ImageID == imageID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memAnalysisRepo) CountForImage(_ context.Context, imageID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.analyses {
		if a.ImageID == imageID {
			n++
		}
	}
	return n, nil
}

func (r *memAnalysisRepo) Transition(_ context.Context, id domain.AnalysisID, tr domain.TransitionRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[id]
	if !ok || a.Status != tr.From {
		return false, nil
	}
	a.Status = tr.To
	if tr.ErrorMessage != "" {
		a.ErrorMessage = tr.ErrorMessage
	}
	if a.StartedAt == nil && tr.StartedAt != nil {
		a.StartedAt = tr.StartedAt
	}
	if a.CompletedAt == nil && tr.CompletedAt != nil {
		a.CompletedAt = tr.CompletedAt
	}
	return true, nil
}

func (r *memAnalysisRepo) InsertAnnotations(_ context.Context, id domain.AnalysisID, token string, anns []*domain.Annotation) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(id) + "|" + token
	if n, ok := r.batches[key]; ok {
		return n, true, nil
	}
	r.batches[key] = len(anns)
	for _, a := range anns {
		c := *a
		r.anns[id] = append(r.anns[id], &c)
	}
	return len(anns), false, nil
}

func (r *memAnalysisRepo) ListAnnotations(_ context.Context, id domain.AnalysisID, offset, limit int) ([]*domain.Annotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.anns[id]
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*domain.Annotation, len(all))
	for i, a := range all {
		c := *a
		out[i] = &c
	}
	return out, nil
}

func (r *memAnalysisRepo) CountAnnotations(_ context.Context, id domain.AnalysisID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anns[id]), nil
}

type memKeyRepo struct {
	mu   sync.Mutex
	keys []*keys.ApiKey
}

func (m *memKeyRepo) Create(_ context.Context, k *keys.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, k)
	return nil
}

func (m *memKeyRepo) ListActive(_ context.Context) ([]*keys.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*keys.ApiKey
	for _, k := range m.keys {
		if k.Active {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memKeyRepo) ListForUser(_ context.Context, email string) ([]*keys.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*keys.ApiKey
	for _, k := range m.keys {
		if k.UserEmail == email {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memKeyRepo) TouchLastUsed(_ context.Context, id keys.KeyID, at time.Time) error {
	return nil
}

func (m *memKeyRepo) Deactivate(_ context.Context, id keys.KeyID, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.ID == id && k.UserEmail == email && k.Active {
			k.Active = false
			return true, nil
		}
	}
	return false, nil
}

type stubImages struct{}

func (stubImages) Exists(_ context.Context, imageID string) (bool, error) {
	return imageID == "img-1", nil
}

type stubArtifacts struct{}

func (stubArtifacts) PresignUpload(_ context.Context, key, contentType string, _ time.Duration) (string, error) {
	return "https://minio.local/upload/" + key, nil
}

func (stubArtifacts) PresignDownload(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.local/download/" + key, nil
}

//
// server fixture
//

type server struct {
	handler  http.Handler
	verifier *auth.Verifier
	apiKey   string
}

func newServer(t *testing.T, hmacSecret string) *server {
	t.Helper()

	keyRepo := &memKeyRepo{}
	clock := application.FixedClock{T: testNow}
	keysSvc := &appapikeys.Service{Repo: keyRepo, Clock: clock}
	_, raw, err := keysSvc.Create(context.Background(), "pipeline@example.com", "worker", nil)
	require.NoError(t, err)

	verifier := auth.NewVerifier(hmacSecret, 300*time.Second).
		WithClock(func() time.Time { return testNow })
	resolver := auth.NewKeyResolver(keyRepo).
		WithClock(func() time.Time { return testNow })
	dispatcher := auth.NewDispatcher(auth.ProxyConfig{
		SharedSecret: "proxy-secret",
		UserHeader:   "X-User-Email",
		SecretHeader: "X-Proxy-Secret",
	}, resolver, verifier, zerolog.Nop())

	analysesSvc := &appanalyses.Service{
		Repo:                newMemAnalysisRepo(),
		Images:              stubImages{},
		Artifacts:           stubArtifacts{},
		Clock:               clock,
		Log:                 zerolog.Nop(),
		AllowedModels:       []string{"yolo_v8"},
		MaxAnalysesPerImage: 10,
		MaxBulkAnnotations:  1000,
		MaxArtifacts:        10,
		PresignExpiry:       time.Hour,
	}

	handler := NewRouter(Options{
		Analyses:       analysesSvc,
		ApiKeys:        keysSvc,
		Dispatcher:     dispatcher,
		Metrics:        middleware.NewMetrics(),
		Health:         map[string]middleware.HealthChecker{},
		Log:            zerolog.Nop(),
		AllowedOrigins: []string{"*"},
		RateLimit:      1000,
		RateWindow:     time.Minute,
		MaxBodyBytes:   1 << 20,
	})

	return &server{handler: handler, verifier: verifier, apiKey: raw}
}

func (s *server) pipelineRequest(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	ts := strconv.FormatInt(testNow.Unix(), 10)
	req.Header.Set("X-ML-Timestamp", ts)
	req.Header.Set("X-ML-Signature", s.verifier.Sign(ts, body))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *server) proxyRequest(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("X-Proxy-Secret", "proxy-secret")
	req.Header.Set("X-User-Email", "alice@example.com")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *server) createAnalysis(t *testing.T) string {
	t.Helper()
	rec := s.pipelineRequest("POST", "/api-ml/v1/images/img-1/analyses",
		[]byte(`{"model_name":"yolo_v8","model_version":"8.1"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeMap(t, rec)["id"].(string)
}

//
// tests
//

func TestHealthEndpointsUnauthenticated(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	for _, path := range []string{"/health", "/ready", "/live", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestPipelineCreateAndLifecycle(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	id := s.createAnalysis(t)

	rec := s.pipelineRequest("PATCH", "/api-ml/v1/analyses/"+id+"/status",
		[]byte(`{"status":"processing"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processing", decodeMap(t, rec)["status"])

	// illegal move surfaces as 409 with both statuses in the reason
	rec = s.pipelineRequest("PATCH", "/api-ml/v1/analyses/"+id+"/status",
		[]byte(`{"status":"queued"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "state_conflict", body["kind"])
	assert.Contains(t, body["reason"], "processing")
	assert.Contains(t, body["reason"], "queued")

	rec = s.pipelineRequest("POST", "/api-ml/v1/analyses/"+id+"/finalize",
		[]byte(`{"status":"completed"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fin := decodeMap(t, rec)
	assert.Equal(t, "completed", fin["status"])
	assert.NotNil(t, fin["completed_at"])
}

func TestPipelineRejectsUnsignedWrite(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	body := []byte(`{"model_name":"yolo_v8"}`)

	// API key only, no signature headers
	req := httptest.NewRequest("POST", "/api-ml/v1/images/img-1/analyses", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "credential_missing", decodeMap(t, rec)["kind"])

	// tampered body
	ts := strconv.FormatInt(testNow.Unix(), 10)
	req = httptest.NewRequest("POST", "/api-ml/v1/images/img-1/analyses", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("X-ML-Timestamp", ts)
	req.Header.Set("X-ML-Signature", s.verifier.Sign(ts, []byte(`{"model_name":"other"}`)))
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "signature_invalid", decodeMap(t, rec)["kind"])
}

// An unset HMAC secret is a 500 with a masked reason, never a 401: the
// operator problem must stay distinguishable from a caller problem.
func TestPipelineMisconfiguredSecret(t *testing.T) {
	s := newServer(t, "")
	rec := s.pipelineRequest("POST", "/api-ml/v1/images/img-1/analyses",
		[]byte(`{"model_name":"yolo_v8"}`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "server_misconfigured", body["kind"])
	assert.Equal(t, "server configuration error", body["reason"])
}

func TestBulkAnnotationsEndpoint(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	id := s.createAnalysis(t)

	payload := fmt.Sprintf(`{
		"idempotency_token": "tok-1",
		"annotations": [
			{"annotation_type":"classification","class_name":"lesion","confidence":0.93,"data":{"score":0.93}},
			{"annotation_type":"bounding_box","confidence":0.8,"data":{"x":10,"y":20,"width":30,"height":40}}
		]
	}`)
	rec := s.pipelineRequest("POST", "/api-ml/v1/analyses/"+id+"/annotations/bulk", []byte(payload))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeMap(t, rec)
	assert.Equal(t, float64(2), body["created"])
	assert.Equal(t, false, body["replayed"])

	// exact replay: 200, nothing new inserted
	rec = s.pipelineRequest("POST", "/api-ml/v1/analyses/"+id+"/annotations/bulk", []byte(payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeMap(t, rec)["replayed"])

	// reads see exactly one batch
	rec = s.proxyRequest("GET", "/api/v1/analyses/"+id+"/annotations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeMap(t, rec)["total"])
}

func TestBulkAnnotationsValidation(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	id := s.createAnalysis(t)

	rec := s.pipelineRequest("POST", "/api-ml/v1/analyses/"+id+"/annotations/bulk",
		[]byte(`{"annotations":[{"annotation_type":"custom","data":{}}]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decodeMap(t, rec)["kind"])
}

func TestPresignEndpoint(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	id := s.createAnalysis(t)

	rec := s.pipelineRequest("POST", "/api-ml/v1/analyses/"+id+"/artifacts/presign",
		[]byte(`{"artifacts":[{"artifact_name":"overlay.png","content_type":"image/png"}]}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeMap(t, rec)
	arts := body["artifacts"].([]any)
	require.Len(t, arts, 1)
	first := arts[0].(map[string]any)
	assert.Equal(t, id+"/overlay.png", first["storage_path"])
	assert.Equal(t, "https://minio.local/upload/"+id+"/overlay.png", first["upload_url"])
}

func TestProxyReadSurface(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	id := s.createAnalysis(t)

	rec := s.proxyRequest("GET", "/api/v1/analyses/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeMap(t, rec)["id"])

	rec = s.proxyRequest("GET", "/api/v1/images/img-1/analyses", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeMap(t, rec)["total"])

	rec = s.proxyRequest("GET", "/api/v1/analyses/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.proxyRequest("GET", "/api/v1/analyses/"+id+"/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	rec = s.proxyRequest("GET", "/api/v1/artifacts/download?path="+id+"/overlay.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://minio.local/download/"+id+"/overlay.png",
		decodeMap(t, rec)["download_url"])
}

// Pipeline write routes are simply not mounted on the read surfaces.
func TestWriteRoutesAbsentFromReadSurfaces(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	id := s.createAnalysis(t)

	rec := s.proxyRequest("PATCH", "/api/v1/analyses/"+id+"/status",
		[]byte(`{"status":"processing"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyRejectedWithoutHeaders(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	req := httptest.NewRequest("GET", "/api/v1/analyses/x", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "credential_missing", decodeMap(t, rec)["kind"])
}

func TestApiKeyManagement(t *testing.T) {
	s := newServer(t, "pipeline-secret")

	rec := s.proxyRequest("POST", "/api/v1/api-keys", []byte(`{"name":"notebook"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeMap(t, rec)
	raw := created["api_key"].(string)
	assert.NotEmpty(t, raw)
	keyID := created["key"].(map[string]any)["id"].(string)

	// the new key works on the api-key surface
	req := httptest.NewRequest("GET", "/api-key/v1/images/img-1/analyses", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rec = s.proxyRequest("GET", "/api/v1/api-keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeMap(t, rec)["api_keys"], 1)

	rec = s.proxyRequest("DELETE", "/api/v1/api-keys/"+keyID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// revoked key no longer authenticates
	req = httptest.NewRequest("GET", "/api-key/v1/images/img-1/analyses", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMalformedJSONBody(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	rec := s.pipelineRequest("POST", "/api-ml/v1/images/img-1/analyses", []byte(`{not json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decodeMap(t, rec)["kind"])
}

func TestUnknownImage(t *testing.T) {
	s := newServer(t, "pipeline-secret")
	rec := s.pipelineRequest("POST", "/api-ml/v1/images/img-404/analyses",
		[]byte(`{"model_name":"yolo_v8"}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeMap(t, rec)["kind"])
}
