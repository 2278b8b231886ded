package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name    string
		appErr  *AppError
		wantMsg string
	}{
		{
			name: "message only",
			appErr: &AppError{
				Message: "something went wrong",
			},
			wantMsg: "something went wrong",
		},
		{
			name: "message with wrapped error",
			appErr: &AppError{
				Message: "request failed",
				Err:     errors.New("connection refused"),
			},
			wantMsg: "request failed: connection refused",
		},
		{
			name: "empty message with error",
			appErr: &AppError{
				Message: "",
				Err:     errors.New("underlying"),
			},
			wantMsg: ": underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appErr.Error()
			if got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("root cause")
	appErr := &AppError{
		Message: "wrapper",
		Err:     underlying,
	}

	if got := appErr.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}

	// nil wrapped error
	appErrNil := &AppError{Message: "no wrap"}
	if got := appErrNil.Unwrap(); got != nil {
		t.Errorf("Unwrap() on nil Err = %v, want nil", got)
	}
}

func TestAppError_ToJSON(t *testing.T) {
	appErr := &AppError{
		HTTPStatusCode: 400,
		Code:           "INVALID_REQUEST",
		Message:        "bad input",
		Details:        map[string]interface{}{"field": "email"},
	}

	b := appErr.ToJSON()

	var parsed map[string]interface{}
	if err := json.Unmarshal(b, &parsed); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}

	if parsed["code"] != "INVALID_REQUEST" {
		t.Errorf("code = %v, want INVALID_REQUEST", parsed["code"])
	}
	if parsed["message"] != "bad input" {
		t.Errorf("message = %v, want bad input", parsed["message"])
	}
	// HTTPStatusCode should not be in JSON
	if _, exists := parsed["http_status_code"]; exists {
		t.Error("HTTPStatusCode should not be in JSON output")
	}
	// Details should be present
	details, ok := parsed["details"].(map[string]interface{})
	if !ok {
		t.Fatal("details should be a map")
	}
	if details["field"] != "email" {
		t.Errorf("details.field = %v, want email", details["field"])
	}
}

func TestAppError_ToJSON_OmitsEmptyDetails(t *testing.T) {
	appErr := &AppError{
		Code:    "ERROR",
		Message: "msg",
	}

	b := appErr.ToJSON()

	var parsed map[string]interface{}
	if err := json.Unmarshal(b, &parsed); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}

	if _, exists := parsed["details"]; exists {
		t.Error("details should be omitted when empty")
	}
}

func TestNew(t *testing.T) {
	underlying := errors.New("cause")
	appErr := New(500, "INTERNAL", "server error", underlying)

	if appErr.HTTPStatusCode != 500 {
		t.Errorf("HTTPStatusCode = %d, want 500", appErr.HTTPStatusCode)
	}
	if appErr.Code != "INTERNAL" {
		t.Errorf("Code = %s, want INTERNAL", appErr.Code)
	}
	if appErr.Message != "server error" {
		t.Errorf("Message = %s, want server error", appErr.Message)
	}
	if appErr.Err != underlying {
		t.Errorf("Err = %v, want %v", appErr.Err, underlying)
	}
}

func TestNew_NilError(t *testing.T) {
	appErr := New(404, "NOT_FOUND", "resource missing", nil)

	if appErr.Err != nil {
		t.Errorf("Err = %v, want nil", appErr.Err)
	}
	if appErr.Error() != "resource missing" {
		t.Errorf("Error() = %s, want resource missing", appErr.Error())
	}
}

func TestKindConstructors(t *testing.T) {
	tests := []struct {
		name           string
		err            *AppError
		wantKind       string
		wantUpstream   int
		wantDownstream int
	}{
		{
			name:           "authentication with status",
			err:            Authentication(403, "authentication failed with status 403", nil),
			wantKind:       KindAuthentication,
			wantUpstream:   403,
			wantDownstream: 500,
		},
		{
			name:           "authentication without token",
			err:            Authentication(0, "no access token received", nil),
			wantKind:       KindAuthentication,
			wantUpstream:   0,
			wantDownstream: 500,
		},
		{
			name:           "request error",
			err:            Request(502, "failed to create conversation: 502", nil),
			wantKind:       KindRequest,
			wantUpstream:   502,
			wantDownstream: 500,
		},
		{
			name:           "validation error",
			err:            Validation("Messages must be a non-empty array"),
			wantKind:       KindValidation,
			wantUpstream:   0,
			wantDownstream: 400,
		},
		{
			name:           "server error",
			err:            Server("Internal server error", errors.New("boom")),
			wantKind:       KindServer,
			wantUpstream:   0,
			wantDownstream: 500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("kimi: %w", tt.err)
			if !IsKind(wrapped, tt.wantKind) {
				t.Errorf("IsKind(%q) = false, want true", tt.wantKind)
			}
			if got := UpstreamStatus(wrapped); got != tt.wantUpstream {
				t.Errorf("UpstreamStatus() = %d, want %d", got, tt.wantUpstream)
			}
			if got := DownstreamStatus(wrapped); got != tt.wantDownstream {
				t.Errorf("DownstreamStatus() = %d, want %d", got, tt.wantDownstream)
			}
		})
	}
}

func TestIsKind_PlainError(t *testing.T) {
	if IsKind(errors.New("plain"), KindServer) {
		t.Error("IsKind() on a plain error should be false")
	}
	if got := DownstreamStatus(errors.New("plain")); got != 500 {
		t.Errorf("DownstreamStatus() = %d, want 500", got)
	}
}

func TestAppError_StatusCode(t *testing.T) {
	var err error = Request(429, "rate limited", nil)
	se, ok := err.(interface{ StatusCode() int })
	if !ok {
		t.Fatal("AppError should expose StatusCode()")
	}
	if se.StatusCode() != 429 {
		t.Errorf("StatusCode() = %d, want 429", se.StatusCode())
	}
}
