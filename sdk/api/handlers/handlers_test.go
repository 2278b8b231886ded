package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/KimiProxyAPI/internal/config"
	"github.com/router-for-me/KimiProxyAPI/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestWriteErrorResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewBaseAPIHandlers(&config.Config{}, nil)

	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantType    string
		wantMessage string
	}{
		{"validation", errors.Validation("Model 'gpt-4' not found"), http.StatusBadRequest, "invalid_request_error", "Model 'gpt-4' not found"},
		{"wrapped validation", fmt.Errorf("check: %w", errors.Validation("Messages must be a non-empty array")), http.StatusBadRequest, "invalid_request_error", "Messages must be a non-empty array"},
		{"authentication", errors.Authentication(http.StatusForbidden, "Authentication failed", nil), http.StatusInternalServerError, "server_error", MessageInternalError},
		{"request", errors.Request(http.StatusBadGateway, "Request failed", nil), http.StatusInternalServerError, "server_error", MessageInternalError},
		{"plain", fmt.Errorf("boom"), http.StatusInternalServerError, "server_error", MessageInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

			h.WriteErrorResponse(c, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			body := rec.Body.Bytes()
			assert.Equal(t, tt.wantType, gjson.GetBytes(body, "error.type").String())
			assert.Equal(t, tt.wantMessage, gjson.GetBytes(body, "error.message").String())
		})
	}
}

func TestWriteError_DefaultsMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	WriteError(c, http.StatusMethodNotAllowed, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":{"message":"Method Not Allowed","type":"invalid_request_error"}}`, rec.Body.String())
}

func TestBaseAPIHandler_UpdateClients(t *testing.T) {
	first := &config.Config{Kimi: config.KimiConfig{BaseURL: "https://one.example"}}
	h := NewBaseAPIHandlers(first, nil)
	assert.Same(t, first, h.Config())

	second := &config.Config{}
	second.ProxyURL = "http://127.0.0.1:3128"
	h.UpdateClients(second)
	assert.Same(t, second, h.Config())
	require.NotNil(t, h.httpClient.Load())
	assert.NotNil(t, h.httpClient.Load().Transport)

	h.UpdateClients(nil)
	assert.NotNil(t, h.Config())
}

func TestBaseAPIHandler_NewKimiClientIsFreshPerCall(t *testing.T) {
	h := NewBaseAPIHandlers(&config.Config{}, nil)
	a := h.NewKimiClient()
	b := h.NewKimiClient()
	assert.NotSame(t, a, b)
	assert.False(t, a.Session().Ready())
}

func TestGetContextWithCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	h := &BaseAPIHandler{}

	ctx, cancel := h.GetContextWithCancel(c, context.Background())
	assert.Same(t, c, ctx.Value("gin"))
	cancel()
	assert.Error(t, ctx.Err())
}
