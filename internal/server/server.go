// Package server exposes the lookup service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lessucettes/redlight/internal/lookup"
	"github.com/lessucettes/redlight/internal/metrics"
)

const (
	LookupPath  = "/_matrix/loj/v1/abuse_lookup"
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"

	defaultMaxBodyBytes = 64 << 10
)

type Looker interface {
	Lookup(ctx context.Context, req lookup.Request) lookup.Verdict
}

// DatasetStats reports what the dataset store currently holds.
type DatasetStats interface {
	Stats() (loaded bool, entries int, refreshedAt time.Time)
}

type Options struct {
	MaxBodyBytes int64
	// RateLimiter is applied to the lookup route when set.
	RateLimiter *RateLimiter
	Metrics     *metrics.Metrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter builds the HTTP handler for one configuration generation.
func NewRouter(svc Looker, stats DatasetStats, opts Options, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "http")
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(withRequestMetrics(opts.Metrics, logger))
	r.Use(withRecovery(logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed)
	})

	var lookupRoute chi.Router = r
	if opts.RateLimiter != nil {
		lookupRoute = r.With(opts.RateLimiter.Middleware)
	}
	lookupRoute.Put(LookupPath, handleLookup(svc, maxBody))

	r.Get(HealthPath, handleHealth(stats))
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, MetricsPath, opts.MetricsHandler)
	}
	return r
}

type matchResponse struct {
	Error    *string `json:"error"`
	ReportID string  `json:"report_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the standard status text only, never an internal
// error message.
func writeError(w http.ResponseWriter, status int) {
	writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
}

func handleLookup(svc Looker, maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)

		var req lookup.Request
		// Oversized bodies fail here too and are treated as malformed.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}
		req.SourceAddr = clientIP(r)

		v := svc.Lookup(r.Context(), req)
		switch v.Outcome {
		case lookup.Matched:
			writeJSON(w, http.StatusOK, matchResponse{ReportID: v.ReportID})
		case lookup.NotMatched:
			w.WriteHeader(http.StatusNoContent)
		case lookup.Malformed:
			writeError(w, http.StatusBadRequest)
		case lookup.Unauthorized:
			writeError(w, http.StatusUnauthorized)
		default:
			writeError(w, http.StatusInternalServerError)
		}
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	DatasetLoaded bool   `json:"dataset_loaded"`
	Entries       int    `json:"entries"`
}

func handleHealth(stats DatasetStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if stats != nil {
			resp.DatasetLoaded, resp.Entries, _ = stats.Stats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Switch serves whichever handler was stored last. In-flight requests keep
// the handler they started with.
type Switch struct {
	current atomic.Pointer[http.Handler]
}

func NewSwitch(h http.Handler) *Switch {
	s := &Switch{}
	s.Store(h)
	return s
}

func (s *Switch) Store(h http.Handler) {
	s.current.Store(&h)
}

func (s *Switch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

// NewHTTPServer builds the listening server around handler.
func NewHTTPServer(addr string, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
