package analyses

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/meridian-imaging/mlgate/internal/domain/analyses"
)

// memoryRepo mimics the SQL repositories, including compare-and-swap
// transitions and token-keyed batch dedupe.
type memoryRepo struct {
	mu       sync.Mutex
	analyses map[domain.AnalysisID]*domain.Analysis
	anns     map[domain.AnalysisID][]*domain.Annotation
	batches  map[string]int // analysisID+token -> annotation count
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		analyses: map[domain.AnalysisID]*domain.Analysis{},
		anns:     map[domain.AnalysisID][]*domain.Annotation{},
		batches:  map[string]int{},
	}
}

func copyAnalysis(a *domain.Analysis) *domain.Analysis {
	c := *a
	return &c
}

func (r *memoryRepo) Create(_ context.Context, a *domain.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyses[a.ID] = copyAnalysis(a)
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id domain.AnalysisID) (*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[id]
	if !ok {
		return nil, nil
	}
	return copyAnalysis(a), nil
}

func (r *memoryRepo) GetByExternalJobID(_ context.Context, jobID string) (*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.analyses {
		if a.ExternalJobID == jobID {
			return copyAnalysis(a), nil
		}
	}
	return nil, nil
}

func (r *memoryRepo) ListForImage(_ context.Context, imageID string, offset, limit int) ([]*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Analysis
	for _, a := range r.analyses {
		if a.ImageID == imageID {
			out = append(out, copyAnalysis(a))
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

func (r *memoryRepo) CountForImage(_ context.Context, imageID string) (int, error) {
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

func (r *memoryRepo) Transition(_ context.Context, id domain.AnalysisID, tr domain.TransitionRequest) (bool, error) {
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
	now := time.Now().UTC()
	a.UpdatedAt = &now
	return true, nil
}

func (r *memoryRepo) InsertAnnotations(_ context.Context, id domain.AnalysisID, token string, anns []*domain.Annotation) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(id) + "|" + token
	if count, ok := r.batches[key]; ok {
		return count, true, nil
	}
	r.batches[key] = len(anns)
	for _, a := range anns {
		c := *a
		r.anns[id] = append(r.anns[id], &c)
	}
	return len(anns), false, nil
}

func (r *memoryRepo) ListAnnotations(_ context.Context, id domain.AnalysisID, offset, limit int) ([]*domain.Annotation, error) {
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

func (r *memoryRepo) CountAnnotations(_ context.Context, id domain.AnalysisID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anns[id]), nil
}

type memoryImages struct {
	known map[string]bool
}

func (m *memoryImages) Exists(_ context.Context, imageID string) (bool, error) {
	return m.known[imageID], nil
}

type fakeArtifacts struct {
	uploads []string
}

func (f *fakeArtifacts) PresignUpload(_ context.Context, key, contentType string, _ time.Duration) (string, error) {
	f.uploads = append(f.uploads, key)
	return fmt.Sprintf("https://minio.local/upload/%s?ct=%s", key, contentType), nil
}

func (f *fakeArtifacts) PresignDownload(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.local/download/" + key, nil
}
