// Package metrics holds the Prometheus collectors shared by the lookup
// server components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "redlight"

type Metrics struct {
	LookupsTotal         *prometheus.CounterVec
	LookupDuration       prometheus.Histogram
	DatasetEntries       prometheus.Gauge
	DatasetLastRefresh   prometheus.Gauge
	UpstreamFetchesTotal *prometheus.CounterVec
	AlertsTotal          *prometheus.CounterVec
	HTTPRequestsTotal    *prometheus.CounterVec
	RateLimitedTotal     prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Lookup requests by verdict.",
		}, []string{"verdict"}),
		LookupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Time to produce a verdict, including any dataset refresh.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		DatasetEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dataset",
			Name:      "entries",
			Help:      "Number of room hashes in the published dataset.",
		}),
		DatasetLastRefresh: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dataset",
			Name:      "last_refresh_timestamp",
			Help:      "Unix timestamp of the last successful refresh.",
		}),
		UpstreamFetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "fetches_total",
			Help:      "Upstream fetch attempts by result.",
		}, []string{"result"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert deliveries by result.",
		}, []string{"result"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by status code.",
		}, []string{"code"}),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}
}

func (m *Metrics) ObserveLookup(verdict string, start time.Time) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(verdict).Inc()
	m.LookupDuration.Observe(time.Since(start).Seconds())
}

// SetDataset records a successful publish of n entries at t.
func (m *Metrics) SetDataset(n int, t time.Time) {
	if m == nil {
		return
	}
	m.DatasetEntries.Set(float64(n))
	m.DatasetLastRefresh.Set(float64(t.Unix()))
}

func (m *Metrics) IncUpstreamFetch(result string) {
	if m == nil {
		return
	}
	m.UpstreamFetchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncAlert(result string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncHTTPRequest(code int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
