// Package apperrors defines the error taxonomy shared by the store, the
// actuator registry and the HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the type of error
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindStorage    Kind = "storage"
	KindInternal   Kind = "internal"
	KindRateLimit  Kind = "rate_limit"
)

// Error is a classified error carrying the HTTP status it maps to
type Error struct {
	Kind    Kind
	Message string
	Code    int
	err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.err
}

// NewValidationError creates a new validation error
func NewValidationError(msg string, err error) *Error {
	return &Error{Kind: KindValidation, Message: msg, Code: http.StatusBadRequest, err: err}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(msg string, err error) *Error {
	return &Error{Kind: KindNotFound, Message: msg, Code: http.StatusNotFound, err: err}
}

// NewConflictError creates a new conflict error
func NewConflictError(msg string, err error) *Error {
	return &Error{Kind: KindConflict, Message: msg, Code: http.StatusConflict, err: err}
}

// NewStorageError creates a new storage error
func NewStorageError(msg string, err error) *Error {
	return &Error{Kind: KindStorage, Message: msg, Code: http.StatusInternalServerError, err: err}
}

// NewInternalError creates a new internal server error
func NewInternalError(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Code: http.StatusInternalServerError, err: err}
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(msg string, err error) *Error {
	return &Error{Kind: KindRateLimit, Message: msg, Code: http.StatusTooManyRequests, err: err}
}

// As extracts the classified error from err's chain
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is unclassified
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// IsNotFound checks if an error is a NotFound error
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsValidation checks if an error is a Validation error
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

// IsConflict checks if an error is a Conflict error
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}

// IsStorage checks if an error is a Storage error
func IsStorage(err error) bool {
	return err != nil && KindOf(err) == KindStorage
}
