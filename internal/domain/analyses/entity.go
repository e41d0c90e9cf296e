package analyses

import (
	"time"
)

// ID tipe untuk Analysis
type AnalysisID string

// Status enum
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func Terminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// transitions is the full lifecycle table. Anything absent here is a
// conflict, never a no-op.
var transitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCanceled:   true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// CanFinalize reports whether from can be finalized straight to the
// terminal status to. Finalize may skip processing entirely when a
// pipeline completes in one shot.
func CanFinalize(from, to Status) bool {
	if to != StatusCompleted && to != StatusFailed {
		return false
	}
	return from == StatusQueued || from == StatusProcessing
}

// Aggregate Root: Analysis — one ML computation run against one image.
type Analysis struct {
	ID            AnalysisID     `json:"id"`
	ImageID       string         `json:"image_id"`
	ModelName     string         `json:"model_name"`
	ModelVersion  string         `json:"model_version"`
	Status        Status         `json:"status"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Provenance    map[string]any `json:"provenance,omitempty"`
	RequestedBy   string         `json:"requested_by"`
	ExternalJobID string         `json:"external_job_id,omitempty"`
	Priority      int            `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty"`
}
