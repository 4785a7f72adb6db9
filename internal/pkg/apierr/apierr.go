// Package apierr provides standardized API error types.
package apierr

import (
	"fmt"
	"net/http"
)

// Error represents a standardized API error response. It serializes flat as
// {"error": message, "code": code, "suggestion": ...} so operator tooling can
// branch on the code.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
	Details    any    `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// WithMessage returns a copy of the error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

// WithSuggestion returns a copy of the error with an operator hint.
func (e *Error) WithSuggestion(s string) *Error {
	c := *e
	c.Suggestion = s
	return &c
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details any) *Error {
	c := *e
	c.Details = details
	return &c
}

// Standard error definitions
var (
	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &Error{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &Error{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrRunInProgress is returned when a run is already active.
	ErrRunInProgress = &Error{
		Code:       "run_in_progress",
		Message:    "A run is already in progress",
		StatusCode: http.StatusConflict,
		Suggestion: "wait for the current run to finish or cancel it",
	}

	// ErrConfigInvalid is returned when a config document fails validation.
	ErrConfigInvalid = &Error{
		Code:       "config_invalid",
		Message:    "Configuration failed validation",
		StatusCode: http.StatusBadRequest,
	}

	// ErrTemplateInvalid is returned when a template document fails validation.
	ErrTemplateInvalid = &Error{
		Code:       "template_invalid",
		Message:    "Template failed validation",
		StatusCode: http.StatusBadRequest,
	}

	// ErrPathUnsafe is returned for file names that escape the artifact dir.
	ErrPathUnsafe = &Error{
		Code:       "path_unsafe",
		Message:    "File name contains path separators or traversal",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &Error{
		Code:       "internal_error",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}
)

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *Error {
	return &Error{
		Code:       "not_found",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// AsError converts any error into an *Error, defaulting to internal.
func AsError(err error) *Error {
	if apiErr, ok := err.(*Error); ok {
		return apiErr
	}
	return ErrInternal.WithMessage(err.Error())
}
