// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/presence/pkg/metrics"
)

// MetricsMiddleware records request count and latency per endpoint, plus
// the error metrics for any 4xx or 5xx answer. Upgraded websocket
// connections are counted once, as 101, when the handler returns.
func MetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		durationMs := float64(time.Since(start).Milliseconds())
		code := strconv.Itoa(wrapped.statusCode)
		metrics.RecordHTTPRequest(endpoint, r.Method, code)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, code, durationMs)

		if wrapped.statusCode < http.StatusBadRequest {
			return
		}
		errorType, severity := classifyStatus(wrapped.statusCode)
		metrics.RecordErrorByEndpoint(endpoint, r.Method, errorType)
		metrics.RecordErrorByType(errorType, severity)
		metrics.RecordErrorLatency("http", errorType, durationMs)
	}
}

// classifyStatus names the error class of a failed response. The camera
// and engine answers (409, 422, 503) get their own classes so dashboards
// can tell a missing face from an outage.
func classifyStatus(code int) (errorType, severity string) {
	switch code {
	case http.StatusServiceUnavailable:
		return "unavailable", "high"
	case http.StatusTooManyRequests:
		return "rate_limit", "low"
	case http.StatusNotFound:
		return "not_found", "low"
	case http.StatusForbidden:
		return "forbidden", "medium"
	case http.StatusConflict:
		return "conflict", "low"
	case http.StatusUnprocessableEntity:
		return "unprocessable", "low"
	}
	if code >= http.StatusInternalServerError {
		return "server_error", "high"
	}
	return "client_error", "medium"
}

// responseWriter remembers the status code written through it.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

// Hijack lets websocket upgrades through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack: %w", http.ErrNotSupported)
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
