// Package errors defines the structured error taxonomy shared by the upstream client
// and the HTTP handlers. Every failure in the proxy is classified as one of four kinds
// so the handlers can decide on the downstream status without inspecting messages.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error kinds used in AppError.Code.
const (
	// KindAuthentication marks a failed device registration or a registration without a credential.
	KindAuthentication = "authentication_error"
	// KindRequest marks an upstream call that returned a non-success status or no readable body.
	KindRequest = "request_error"
	// KindValidation marks a caller request that failed model or messages validation.
	KindValidation = "validation_error"
	// KindServer marks any other unexpected failure.
	KindServer = "server_error"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return, or the upstream status for
	// authentication and request errors.
	HTTPStatusCode int `json:"-"`
	// Code is the error kind.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// StatusCode exposes the carried status so callers can use the same
// interface{ StatusCode() int } probe they use for executor errors.
func (e *AppError) StatusCode() int {
	return e.HTTPStatusCode
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// Authentication builds an authentication error. status is the upstream HTTP status,
// or 0 when the registration succeeded but carried no credential.
func Authentication(status int, message string, err error) *AppError {
	appErr := New(status, KindAuthentication, message, err)
	if status > 0 {
		appErr.Details = map[string]interface{}{"upstream_status": status}
	}
	return appErr
}

// Request builds an upstream request error carrying the upstream status (0 if none).
func Request(status int, message string, err error) *AppError {
	appErr := New(status, KindRequest, message, err)
	if status > 0 {
		appErr.Details = map[string]interface{}{"upstream_status": status}
	}
	return appErr
}

// Validation builds a caller validation error, always surfaced as 400.
func Validation(message string) *AppError {
	return New(http.StatusBadRequest, KindValidation, message, nil)
}

// Server builds a generic server error, always surfaced as 500.
func Server(message string, err error) *AppError {
	return New(http.StatusInternalServerError, KindServer, message, err)
}

// IsKind reports whether err wraps an AppError of the given kind.
func IsKind(err error, kind string) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == kind
}

// UpstreamStatus returns the upstream HTTP status recorded on an authentication or
// request error, or 0 when err carries none.
func UpstreamStatus(err error) int {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return 0
	}
	if appErr.Code != KindAuthentication && appErr.Code != KindRequest {
		return 0
	}
	return appErr.HTTPStatusCode
}

// DownstreamStatus maps an error onto the status the proxy returns to its caller:
// validation errors are 400, everything else is 500.
func DownstreamStatus(err error) int {
	if IsKind(err, KindValidation) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// As and Is forward to the standard library so callers that import this package
// as errors keep both in scope.
func As(err error, target any) bool { return stderrors.As(err, target) }

func Is(err, target error) bool { return stderrors.Is(err, target) }
