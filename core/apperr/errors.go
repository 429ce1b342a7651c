// Package apperr defines the error taxonomy shared by the dispatch core and
// its API surface. Errors carry a Code; errors.Is matches on the code so
// callers can test against the sentinel values regardless of message.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeConflict          Code = "conflict_error"
	CodeNotFound          Code = "not_found"
	CodeInvalidTransition Code = "invalid_transition"
	CodeStaleOffer        Code = "stale_offer"
	CodeAlreadyResolved   Code = "already_resolved"
	CodeTransient         Code = "transient_store_error"
	CodeInternal          Code = "internal_error"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrConflict          = &Error{Code: CodeConflict}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrStaleOffer        = &Error{Code: CodeStaleOffer}
	ErrAlreadyResolved   = &Error{Code: CodeAlreadyResolved}
	ErrTransient         = &Error{Code: CodeTransient}
)

func newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error { return newf(CodeValidation, format, args...) }
func Conflictf(format string, args ...any) error   { return newf(CodeConflict, format, args...) }
func NotFoundf(format string, args ...any) error   { return newf(CodeNotFound, format, args...) }
func InvalidTransitionf(format string, args ...any) error {
	return newf(CodeInvalidTransition, format, args...)
}
func StaleOfferf(format string, args ...any) error { return newf(CodeStaleOffer, format, args...) }
func AlreadyResolvedf(format string, args ...any) error {
	return newf(CodeAlreadyResolved, format, args...)
}

// Transient wraps an infrastructure failure so that it is retried by the
// store retry policy and surfaced as TransientStoreError afterwards.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Code == CodeTransient {
		return err
	}
	return &Error{Code: CodeTransient, Msg: op, Err: err}
}

// CodeOf returns the code carried by err, CodeInternal for uncoded errors
// and the empty code for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether err is worth retrying as-is.
func Retryable(err error) bool {
	return CodeOf(err) == CodeTransient
}
