package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/router-for-me/KimiProxyAPI/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(RequestDecompressionMiddleware())
	engine.POST("/echo", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.String(http.StatusOK, "%s|%s", c.GetHeader("Content-Encoding"), body)
	})
	return engine
}

func compress(t *testing.T, enc string, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch enc {
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, err := w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "zstd":
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "br":
		w := brotli.NewWriter(&buf)
		_, err := w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	return buf.Bytes()
}

func TestRequestDecompressionMiddleware(t *testing.T) {
	payload := []byte(`{"model":"kimi-k2","messages":[{"role":"user","content":"你好"}]}`)
	engine := echoEngine()

	for _, enc := range []string{"gzip", "zstd", "br"} {
		t.Run(enc, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(compress(t, enc, payload)))
			req.Header.Set("Content-Encoding", enc)
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "|"+string(payload), rec.Body.String())
		})
	}
}

func TestRequestDecompressionMiddleware_PassThrough(t *testing.T) {
	engine := echoEngine()

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("plain"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, "|plain", rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("raw"))
	req.Header.Set("Content-Encoding", "deflate")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, "deflate|raw", rec.Body.String())
}

func TestRequestDecompressionMiddleware_InvalidGzip(t *testing.T) {
	engine := echoEngine()

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
}

func TestConnectionTrackerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracker := &ConnectionTracker{}
	engine := gin.New()
	engine.Use(ConnectionTrackerMiddleware(tracker))

	var during int64
	engine.GET("/", func(c *gin.Context) {
		during = tracker.Count()
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	assert.Equal(t, int64(1), during)
	assert.Equal(t, int64(0), tracker.Count())
	assert.Equal(t, int64(3), tracker.Total())
}

func TestPrometheusMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	SetMetricsEnabled(true)
	t.Cleanup(func() { SetMetricsEnabled(false) })

	engine := gin.New()
	engine.Use(PrometheusMiddleware())
	engine.GET("/v1/models", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	engine.GET("/metrics", MetricsHandler())

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/models", "200"))
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/models", "200"))
	assert.Equal(t, before+1, after)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kimi_proxy_http_requests_total")

	SetMetricsEnabled(false)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpstreamRecorder(t *testing.T) {
	SetMetricsEnabled(true)
	t.Cleanup(func() { SetMetricsEnabled(false) })
	RegisterMetrics()

	rec := UpstreamRecorder{}
	ok := upstreamCallsTotal.WithLabelValues("register", "ok")
	authFail := upstreamCallsTotal.WithLabelValues("register", errors.KindAuthentication)
	beforeOK, beforeFail := testutil.ToFloat64(ok), testutil.ToFloat64(authFail)
	beforeFragments := testutil.ToFloat64(streamFragmentsTotal)

	rec.ObserveUpstream("register", nil)
	rec.ObserveUpstream("register", fmt.Errorf("wrapped: %w", errors.Authentication(401, "nope", nil)))
	rec.ObserveFragment()
	rec.ObserveFragment()

	assert.Equal(t, beforeOK+1, testutil.ToFloat64(ok))
	assert.Equal(t, beforeFail+1, testutil.ToFloat64(authFail))
	assert.Equal(t, beforeFragments+2, testutil.ToFloat64(streamFragmentsTotal))
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "ok", outcomeLabel(nil))
	assert.Equal(t, errors.KindRequest, outcomeLabel(errors.Request(502, "bad", nil)))
	assert.Equal(t, errors.KindServer, outcomeLabel(fmt.Errorf("plain")))
}
