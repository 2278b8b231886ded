// Package handlers provides core API handler functionality for the Kimi proxy server.
// It includes the shared error envelope, the per-request upstream client factory and
// the configuration snapshot used by the OpenAI-compatible endpoint handlers.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/KimiProxyAPI/internal/config"
	"github.com/router-for-me/KimiProxyAPI/internal/errors"
	"github.com/router-for-me/KimiProxyAPI/internal/kimi"
	"github.com/router-for-me/KimiProxyAPI/internal/util"
	log "github.com/sirupsen/logrus"
)

// ErrorResponse represents a standard error response format for the API.
// It contains a single ErrorDetail field.
type ErrorResponse struct {
	// Error contains detailed information about the error that occurred.
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides specific information about an error that occurred.
// It includes a human-readable message, an error type, and an optional error code.
type ErrorDetail struct {
	// Message is a human-readable message providing more details about the error.
	Message string `json:"message"`

	// Type is the category of error that occurred (e.g., "invalid_request_error").
	Type string `json:"type"`

	// Code is a short code identifying the error, if applicable.
	Code string `json:"code,omitempty"`
}

// MessageInternalError is the only message callers see for upstream or server failures.
const MessageInternalError = "Internal server error"

// BaseAPIHandler contains state shared by the API endpoint handlers: the current
// configuration snapshot, the outbound HTTP client and the upstream observer.
type BaseAPIHandler struct {
	cfg        atomic.Pointer[config.Config]
	httpClient atomic.Pointer[http.Client]

	// Observer receives upstream call outcomes, typically the metrics recorder.
	Observer kimi.Observer
}

// NewBaseAPIHandlers creates a new API handlers instance for cfg. observer may be nil.
func NewBaseAPIHandlers(cfg *config.Config, observer kimi.Observer) *BaseAPIHandler {
	h := &BaseAPIHandler{Observer: observer}
	h.UpdateClients(cfg)
	return h
}

// UpdateClients swaps in a new configuration. Requests already in flight keep the
// snapshot they started with.
func (h *BaseAPIHandler) UpdateClients(cfg *config.Config) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	h.cfg.Store(cfg)
	h.httpClient.Store(util.SetProxy(&cfg.SDKConfig, &http.Client{}))
}

// Config returns the configuration snapshot for the current request.
func (h *BaseAPIHandler) Config() *config.Config {
	if cfg := h.cfg.Load(); cfg != nil {
		return cfg
	}
	return &config.Config{}
}

// NewKimiClient returns a fresh upstream client. Each downstream request gets its own
// client and therefore its own anonymous session.
func (h *BaseAPIHandler) NewKimiClient() *kimi.Client {
	var opts []kimi.Option
	if h.Observer != nil {
		opts = append(opts, kimi.WithObserver(h.Observer))
	}
	return kimi.NewClient(h.Config().Kimi, h.httpClient.Load(), opts...)
}

// GetContextWithCancel derives a cancellable context for the upstream call and embeds
// the Gin context under the "gin" key.
func (h *BaseAPIHandler) GetContextWithCancel(c *gin.Context, ctx context.Context) (context.Context, context.CancelFunc) {
	newCtx, cancel := context.WithCancel(ctx)
	newCtx = context.WithValue(newCtx, "gin", c)
	return newCtx, cancel
}

// WriteErrorResponse writes the JSON error envelope for err. Validation errors keep
// their message and map to 400; everything else becomes a 500 with a generic message
// while the detail goes to the log.
func (h *BaseAPIHandler) WriteErrorResponse(c *gin.Context, err error) {
	status := errors.DownstreamStatus(err)
	message := MessageInternalError
	if status < http.StatusInternalServerError && err != nil {
		message = validationMessage(err)
	} else if err != nil {
		entry := log.WithError(err)
		if upstream := errors.UpstreamStatus(err); upstream > 0 {
			entry = entry.WithField("upstream_status", upstream)
		}
		entry.Error("chat completion failed")
		_ = c.Error(err)
	}
	WriteError(c, status, message)
}

// WriteError writes an OpenAI-style error envelope. The type is invalid_request_error
// below 500 and server_error otherwise.
func WriteError(c *gin.Context, status int, message string) {
	c.Header("Content-Type", "application/json")
	c.Status(status)

	if strings.TrimSpace(message) == "" {
		message = http.StatusText(status)
	}
	errType := "invalid_request_error"
	if status >= 500 {
		errType = "server_error"
	}

	payload, _ := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    errType,
		},
	})
	if len(payload) == 0 {
		payload = []byte(`{"error":{"message":"unknown error","type":"server_error"}}`)
	}
	_, _ = c.Writer.Write(payload)
}

func validationMessage(err error) string {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
