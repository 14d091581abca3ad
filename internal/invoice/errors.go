package invoice

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is a stable, externally visible error label.
type ErrorKind string

const (
	KindUnreadableDocument       ErrorKind = "unreadable_document"
	KindLowQualityInput          ErrorKind = "low_quality_input"
	KindExtractionAmbiguity      ErrorKind = "extraction_ambiguity"
	KindEntityResolutionConflict ErrorKind = "entity_resolution_conflict"
	KindValidationRule           ErrorKind = "validation_rule"
	KindStageTimeout             ErrorKind = "stage_timeout"
	KindEngineUnavailable        ErrorKind = "engine_unavailable"
	KindTenantIsolation          ErrorKind = "tenant_isolation_violation"
	KindCancelled                ErrorKind = "cancelled"
	KindDeadlineExceeded         ErrorKind = "deadline_exceeded"
	KindInternal                 ErrorKind = "internal"
)

// Transient reports whether a failure of this kind may be retried.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindLowQualityInput, KindEntityResolutionConflict, KindStageTimeout, KindEngineUnavailable:
		return true
	}
	return false
}

// Error is a classified pipeline error. Summary is safe to show to users;
// Err holds the internal cause.
type Error struct {
	Kind    ErrorKind
	Summary string
	Err     error
}

// NewError creates a classified error.
func NewError(kind ErrorKind, summary string, err error) *Error {
	return &Error{Kind: kind, Summary: summary, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Summary, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Summary)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind implements the kinded interface.
func (e *Error) ErrorKind() ErrorKind { return e.Kind }

// kinded is satisfied by any error that knows its own kind.
type kinded interface {
	ErrorKind() ErrorKind
}

// KindOf classifies an arbitrary error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStageTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// SummaryOf returns the user-facing summary for an error.
func SummaryOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Summary
	}
	switch KindOf(err) {
	case KindStageTimeout:
		return "stage exceeded its deadline"
	case KindCancelled:
		return "processing was cancelled"
	case KindLowQualityInput:
		return "document image quality is too low"
	case KindEngineUnavailable:
		return "ocr engine is unavailable"
	}
	return "internal processing error"
}
