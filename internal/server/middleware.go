package server

import (
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/felixge/httpsnoop"

	"github.com/lessucettes/redlight/internal/lookup"
	"github.com/lessucettes/redlight/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := lookup.RequestID(r.Context())
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(lookup.WithRequestID(r.Context(), id)))
	})
}

func withRequestMetrics(m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mtr := httpsnoop.CaptureMetrics(next, w, r)
			m.IncHTTPRequest(mtr.Code)
			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", mtr.Code,
				"duration", mtr.Duration,
				"bytes", mtr.Written,
				"remote", clientIP(r),
				"request_id", lookup.RequestID(r.Context()),
			)
		})
	}
}

func withRecovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Panic recovered in HTTP handler",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", lookup.RequestID(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the host part of the direct peer address. Forwarded
// headers are ignored since they are trivially spoofed to dodge rate limits.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
