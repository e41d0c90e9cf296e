package analyses

import (
	"time"

	"github.com/meridian-imaging/mlgate/internal/domain/faults"
)

// AnnotationID tipe untuk Annotation
type AnnotationID string

// AnnotationType enum
type AnnotationType string

const (
	TypeBoundingBox    AnnotationType = "bounding_box"
	TypeClassification AnnotationType = "classification"
	TypeHeatmap        AnnotationType = "heatmap"
	TypeSegmentation   AnnotationType = "segmentation"
	TypePolygon        AnnotationType = "polygon"
	TypeKeypoint       AnnotationType = "keypoint"
	TypeCustom         AnnotationType = "custom"
)

func ValidAnnotationType(t AnnotationType) bool {
	switch t {
	case TypeBoundingBox, TypeClassification, TypeHeatmap,
		TypeSegmentation, TypePolygon, TypeKeypoint, TypeCustom:
		return true
	}
	return false
}

// Annotation — one detected feature belonging to an Analysis. Immutable
// once written: annotations are only ever created through the bulk
// ingestion operation.
type Annotation struct {
	ID          AnnotationID   `json:"id"`
	AnalysisID  AnalysisID     `json:"analysis_id"`
	Type        AnnotationType `json:"annotation_type"`
	ClassName   string         `json:"class_name,omitempty"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Data        map[string]any `json:"data"`
	StoragePath string         `json:"storage_path,omitempty"`
	Ordering    *int           `json:"ordering,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Validate checks the annotation independently of its batch: type enum,
// confidence bound, and a well-formed payload for the declared type.
func (a *Annotation) Validate() error {
	if !ValidAnnotationType(a.Type) {
		return faults.Newf(faults.ValidationFailed, "unknown annotation type %q", a.Type)
	}
	if a.Confidence != nil && (*a.Confidence < 0 || *a.Confidence > 1) {
		return faults.Newf(faults.ValidationFailed, "confidence %v outside [0,1]", *a.Confidence)
	}
	if a.Data == nil {
		return faults.New(faults.ValidationFailed, "annotation data is required")
	}
	switch a.Type {
	case TypeBoundingBox:
		for _, k := range []string{"x", "y", "width", "height"} {
			if !isNumber(a.Data[k]) {
				return faults.Newf(faults.ValidationFailed, "bounding_box data missing numeric %q", k)
			}
		}
	case TypeClassification:
		if a.ClassName == "" {
			return faults.New(faults.ValidationFailed, "classification requires class_name")
		}
	case TypePolygon:
		pts, ok := a.Data["points"].([]any)
		if !ok || len(pts) < 3 {
			return faults.New(faults.ValidationFailed, "polygon requires at least 3 points")
		}
	case TypeKeypoint:
		pts, ok := a.Data["points"].([]any)
		if !ok || len(pts) == 0 {
			return faults.New(faults.ValidationFailed, "keypoint requires a points list")
		}
	case TypeHeatmap, TypeSegmentation:
		// Payload lives in object storage; the row only needs the pointer.
		if a.StoragePath == "" {
			return faults.Newf(faults.ValidationFailed, "%s requires storage_path", a.Type)
		}
	}
	return nil
}

// isNumber accepts the numeric shapes encoding/json produces.
func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32:
		return true
	}
	return false
}
