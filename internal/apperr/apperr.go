// Package apperr holds the error kinds every operation reports to its caller.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindPermission        Kind = "permission"
	KindInvalidTransition Kind = "invalid_transition"
	KindState             Kind = "state"
	KindConflict          Kind = "conflict"
	KindAlreadyAssigned   Kind = "already_assigned"
	KindRouting           Kind = "routing"
	KindNoCapacity        Kind = "no_capacity"
	KindRetryExhausted    Kind = "retry_exhausted"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Error carries a stable kind and a human readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Reason returns the caller facing reason, falling back to err.Error().
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Retryable reports whether repeating the same call later may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindNoCapacity, KindInternal:
		return true
	}
	return false
}

func NotFound(entity string, id uint64) *Error {
	return Newf(KindNotFound, "%s %d not found", entity, id)
}
