// Package middleware holds HTTP middleware shared across routes: request
// logging and Prometheus instrumentation via a response-writer wrapper that
// tracks the status code actually written.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/gflowd/gflowd/internal/metrics"
)

// statusResponseWriter wraps http.ResponseWriter to track the status code
// that was actually written, for logging and metrics after the fact.
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Logging wraps next so every request is logged and recorded in Prometheus
// (gflowd_api_requests_total, gflowd_api_request_duration_seconds),
// matching SPEC_FULL.md §4.6.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		metrics.RecordAPIRequest(r.Method, r.URL.Path, strconv.Itoa(sw.statusCode), elapsed.Seconds())
		logging.Log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", sw.statusCode).
			WithField("duration_ms", elapsed.Milliseconds()).
			Info("handled request")
	})
}
