// Package apperr defines the error taxonomy used across the pipeline.
// Errors carry a Kind so callers can branch on failure class without
// string matching, while still composing with errors.Is/As via the
// standard %w wrapping idiom used throughout this module.
package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the distinct failure classes callers can branch on.
type Kind string

const (
	SignalQuality    Kind = "signal_quality"
	C3DDecode        Kind = "c3d_decode"
	NyquistViolation Kind = "nyquist_violation"
	FileProcessing   Kind = "file_processing"
	SessionNotFound  Kind = "session_not_found"
	TherapySession   Kind = "therapy_session"
	ScoringInput     Kind = "scoring_input"
	WeightValidation Kind = "weight_validation"
	Signature        Kind = "signature"
	Timeout          Kind = "timeout"
)

// Error is a structured error carrying a Kind, a human message, optional
// detail fields (e.g. samples/duration for SignalQuality), and an
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with no detail map.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured fields and returns the receiver for
// chaining at the call site.
func (e *Error) WithDetails(d map[string]interface{}) *Error {
	e.Details = d
	return e
}

// Is reports whether err carries the given Kind, walking the chain.
func Is(err error, kind Kind) bool {
	var ae *Error
	for errors.As(err, &ae) {
		if ae.Kind == kind {
			return true
		}
		err = ae.Cause
	}
	return false
}

// Retriable reports whether the error kind is worth retrying.
func Retriable(err error) bool {
	return Is(err, FileProcessing) || Is(err, Timeout)
}
