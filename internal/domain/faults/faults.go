package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so the HTTP boundary and the audit log can
// tell caller mistakes, auth rejections and operator errors apart.
type Kind string

const (
	CredentialMissing   Kind = "credential_missing"
	CredentialInvalid   Kind = "credential_invalid"
	SignatureInvalid    Kind = "signature_invalid"
	ServerMisconfigured Kind = "server_misconfigured"
	StateConflict       Kind = "state_conflict"
	ValidationFailed    Kind = "validation_failed"
	NotFound            Kind = "not_found"
	Internal            Kind = "internal"
)

// Error carries a Kind plus a reason that is safe to show the caller.
// Wrapped causes stay server-side.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause; the reason stays caller-safe.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// KindOf extracts the Kind from err, or Internal when err is untyped.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Reason returns the caller-safe reason, or a generic one for untyped errors.
func Reason(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return "internal error"
}

// Is lets errors.Is match on kind: errors.Is(err, faults.New(faults.NotFound, "")).
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// HTTPStatus maps a kind to its wire status. SignatureInvalid and
// CredentialInvalid are deliberately the same status; the distinction
// lives in the logs only.
func HTTPStatus(kind Kind) int {
	switch kind {
	case CredentialMissing, CredentialInvalid, SignatureInvalid:
		return http.StatusUnauthorized
	case StateConflict:
		return http.StatusConflict
	case ValidationFailed:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case ServerMisconfigured, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
