package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. Every kind is recoverable; callers
// render it to the end user.
type ErrorKind string

const (
	KindValidation                       ErrorKind = "validation"
	KindNoUsableAnalyses                 ErrorKind = "no_usable_analyses"
	KindInvalidTransition                ErrorKind = "invalid_transition"
	KindMissingReason                    ErrorKind = "missing_reason"
	KindRequiresJustification            ErrorKind = "requires_justification"
	KindCannotArchiveActiveSpecification ErrorKind = "cannot_archive_active_specification"
	KindConcurrencyConflict              ErrorKind = "concurrency_conflict"
	KindNotFound                         ErrorKind = "not_found"
)

// Error is a typed engine failure. Comparison is set for
// KindRequiresJustification so the approver can see what drifted.
type Error struct {
	Kind       ErrorKind
	Msg        string
	Comparison *Comparison
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation                       = &Error{Kind: KindValidation}
	ErrNoUsableAnalyses                 = &Error{Kind: KindNoUsableAnalyses}
	ErrInvalidTransition                = &Error{Kind: KindInvalidTransition}
	ErrMissingReason                    = &Error{Kind: KindMissingReason}
	ErrRequiresJustification            = &Error{Kind: KindRequiresJustification}
	ErrCannotArchiveActiveSpecification = &Error{Kind: KindCannotArchiveActiveSpecification}
	ErrConcurrencyConflict              = &Error{Kind: KindConcurrencyConflict}
	ErrNotFound                         = &Error{Kind: KindNotFound}
)

// NewError builds a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
