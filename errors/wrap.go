package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. An *Error keeps its code; context errors
// map to TIMEOUT/CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		wrapped := &Error{
			code:      existing.code,
			category:  existing.category,
			message:   message,
			cause:     err,
			metadata:  existing.Metadata(),
			retryable: existing.retryable,
			timestamp: existing.timestamp,
			userID:    existing.userID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code. Context errors
// still map to TIMEOUT/CANCELED so callers can tell a slow collaborator from
// a failing one.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// Is reports whether any error in the tree carries the given code. Joined
// errors are searched member by member, and wrapped causes are followed.
func Is(err error, code ErrorCode) bool {
	return walk(err, func(e *Error) bool { return e.code == code })
}

// Code returns the code of the first *Error found in a depth-first walk of
// the tree, or "" when there is none. For joined errors that is the first
// member carrying a code; use Is to test for a specific one.
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// IsRetryable reports whether any error in the tree is retryable.
// Errors outside this taxonomy are not retryable.
func IsRetryable(err error) bool {
	return walk(err, func(e *Error) bool { return e.Retryable() })
}

// walk visits every node of the error tree until match returns true.
func walk(err error, match func(*Error) bool) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok && match(e) {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if walk(inner, match) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return walk(u.Unwrap(), match)
	}
	return false
}

// Join combines multiple errors into a single error.
// If all errors are nil, returns nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
