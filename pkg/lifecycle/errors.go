// Package lifecycle defines the typed error taxonomy returned by the
// engagement engine. Every failure is surfaced to the caller as one of these
// kinds; the engine never retries a failed transition on its own.
package lifecycle

import (
	"errors"
	"fmt"
)

// Kind identifies a class of engine failure. The HTTP layer maps kinds to
// stable response codes so the UI can distinguish, e.g., "payment window
// passed" from "already paid".
type Kind string

const (
	KindValidation        Kind = "VALIDATION_FAILED"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindDeadlineExceeded  Kind = "DEADLINE_EXCEEDED"
	KindOverpayment       Kind = "OVERPAYMENT"
	KindCaseClosed        Kind = "CASE_CLOSED"
	KindNotFound          Kind = "NOT_FOUND"
)

// Error is the concrete error type carried by every engine failure.
type Error struct {
	Kind    Kind
	Message string
	// Fields holds per-field messages for validation failures.
	Fields map[string][]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewValidation wraps a field error map from the validation layer.
func NewValidation(fields map[string][]string) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Fields: fields}
}

// NewInvalidTransition reports an operation that is not legal from the
// entity's current state.
func NewInvalidTransition(entity, from, op string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("%s cannot %s from status %q", entity, op, from),
	}
}

// NewDeadlineExceeded reports a time-sensitive operation that arrived too
// late. The caller must re-fetch the entity to observe the expiry outcome.
func NewDeadlineExceeded(entity, op string) *Error {
	return &Error{
		Kind:    KindDeadlineExceeded,
		Message: fmt.Sprintf("%s %s rejected: deadline has passed", entity, op),
	}
}

// NewOverpayment reports a ledger integrity violation; amounts are never
// silently clamped.
func NewOverpayment(caseID string) *Error {
	return &Error{
		Kind:    KindOverpayment,
		Message: fmt.Sprintf("payment would exceed total fees for case %s", caseID),
	}
}

// NewCaseClosed reports a mutation attempted on a terminal case.
func NewCaseClosed(caseID string) *Error {
	return &Error{
		Kind:    KindCaseClosed,
		Message: fmt.Sprintf("case %s is closed", caseID),
	}
}

// NewNotFound reports a missing entity.
func NewNotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// KindOf extracts the Kind from any error, or "" if it is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is* helpers for call sites that only branch on the kind.

func IsValidation(err error) bool        { return KindOf(err) == KindValidation }
func IsInvalidTransition(err error) bool { return KindOf(err) == KindInvalidTransition }
func IsDeadlineExceeded(err error) bool  { return KindOf(err) == KindDeadlineExceeded }
func IsOverpayment(err error) bool       { return KindOf(err) == KindOverpayment }
func IsCaseClosed(err error) bool        { return KindOf(err) == KindCaseClosed }
func IsNotFound(err error) bool          { return KindOf(err) == KindNotFound }
