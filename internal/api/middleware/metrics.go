// Package middleware provides HTTP middleware components for the Kimi proxy server.
// This file contains Prometheus metrics middleware and the upstream call recorder.
package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/router-for-me/KimiProxyAPI/internal/errors"
)

var (
	// httpRequestsTotal counts the total number of HTTP requests processed.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimi_proxy_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kimi_proxy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// httpResponseSizeBytes tracks the size of HTTP response bodies.
	httpResponseSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kimi_proxy_http_response_size_bytes",
			Help:    "Size of HTTP response bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	// activeConnections tracks the number of requests currently being served.
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kimi_proxy_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	// upstreamCallsTotal counts calls to the Kimi web API by stage and outcome.
	upstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kimi_proxy_upstream_calls_total",
			Help: "Upstream Kimi calls by stage (register, conversation, completion) and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// streamFragmentsTotal counts text fragments relayed from upstream.
	streamFragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kimi_proxy_stream_fragments_total",
			Help: "Text fragments received from the upstream completion stream",
		},
	)

	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all Prometheus metrics.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpResponseSizeBytes,
		activeConnections,
		upstreamCallsTotal,
		streamFragmentsTotal,
	)
}

// PrometheusMiddleware returns a Gin middleware that collects Prometheus metrics
// for HTTP requests including request count, duration, and active connections.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		RegisterMetrics()

		activeConnections.Inc()
		defer activeConnections.Dec()

		path := normalizePath(c.FullPath())
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size > 0 {
			httpResponseSizeBytes.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}

// normalizePath keeps label cardinality bounded: unmatched routes collapse to one label.
func normalizePath(fullPath string) string {
	if fullPath == "" {
		return "unmatched"
	}
	return fullPath
}

// MetricsHandler returns the Prometheus HTTP handler for the /metrics endpoint.
// When metrics are disabled it aborts with 404 so the router's not-found envelope applies.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// UpstreamRecorder records upstream call outcomes into the Prometheus collectors.
// It satisfies the kimi client's Observer interface.
type UpstreamRecorder struct{}

// ObserveUpstream counts one upstream call. The outcome label is "ok" or the error kind.
func (UpstreamRecorder) ObserveUpstream(stage string, err error) {
	if !IsMetricsEnabled() {
		return
	}
	RegisterMetrics()
	upstreamCallsTotal.WithLabelValues(stage, outcomeLabel(err)).Inc()
}

// ObserveFragment counts one relayed text fragment.
func (UpstreamRecorder) ObserveFragment() {
	if !IsMetricsEnabled() {
		return
	}
	RegisterMetrics()
	streamFragmentsTotal.Inc()
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsKind(err, errors.KindAuthentication):
		return errors.KindAuthentication
	case errors.IsKind(err, errors.KindRequest):
		return errors.KindRequest
	default:
		return errors.KindServer
	}
}
