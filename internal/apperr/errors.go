// Package apperr holds the error taxonomy shared by every component.
//
// Sentinels carry a Kind. Callers wrap them with E to add the failing
// operation and the underlying cause while keeping errors.Is working.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindTransient
	KindSchema
	KindInvalidTransition
	KindNotFound
	KindConflict
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindSchema:
		return "schema"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// Error is a classified sentinel.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// New returns a sentinel of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

var (
	ErrInvalidInput      = New(KindValidation, "invalid input")
	ErrUnsupportedFormat = New(KindValidation, "unsupported format")
	ErrTooLarge          = New(KindValidation, "document too large")
	ErrExtractionFailed  = New(KindValidation, "extraction failed")

	ErrOracleUnavailable = New(KindTransient, "oracle unavailable")
	ErrRateLimited       = New(KindTransient, "oracle rate limited")
	ErrMalformedResponse = New(KindSchema, "malformed oracle response")
	ErrOracleRejected    = New(KindInternal, "oracle rejected request")
	ErrStoreUnavailable  = New(KindTransient, "store unavailable")

	ErrInvalidTransition = New(KindInvalidTransition, "invalid status transition")
	ErrNotFound          = New(KindNotFound, "not found")
	ErrAlreadyExists     = New(KindConflict, "already exists")
	ErrVersionConflict   = New(KindConflict, "version conflict")
	ErrForbidden         = New(KindForbidden, "forbidden")
	ErrDeleteForbidden   = New(KindForbidden, "delete not allowed")
)

// E wraps sentinel (and the optional cause) with the operation name.
func E(op string, sentinel, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, sentinel)
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel, cause)
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether another oracle attempt may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrOracleUnavailable) || errors.Is(err, ErrRateLimited)
}
