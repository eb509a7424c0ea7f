// Package metrics exposes ingestion and query counters in Prometheus format.
//
// A nil *Metrics is valid and records nothing, so callers and tests can
// skip instrumentation without branching.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calmerge"

// Pass outcomes.
const (
	PassOK         = "ok"
	PassFetchError = "fetch_error"
	PassParseError = "parse_error"
	PassSkipped    = "skipped"
)

// Query outcomes.
const (
	QueryHit        = "hit"
	QueryMiss       = "miss"
	QueryBadRequest = "bad_request"
	QueryError      = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	fetchAttempts *prometheus.CounterVec
	passes        *prometheus.CounterVec
	events        *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	lastSuccessTS *prometheus.GaugeVec
	queries       *prometheus.CounterVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.fetchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "Feed fetch attempts by source and status",
	}, []string{"source", "status"})
	m.passes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_passes_total",
		Help:      "Ingestion passes by source and outcome",
	}, []string{"source", "outcome"})
	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_events_total",
		Help:      "Reconciled event records by source and result",
	}, []string{"source", "result"})
	m.passDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_pass_duration_seconds",
		Help:      "Time spent in one fetch, normalize and reconcile pass",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	}, []string{"source"})
	m.lastSuccessTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingest_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful pass",
	}, []string{"source"})
	m.queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "query_requests_total",
		Help:      "Range queries by result",
	}, []string{"result"})

	m.registry.MustRegister(
		m.fetchAttempts, m.passes, m.events,
		m.passDuration, m.lastSuccessTS, m.queries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FetchAttempt(source string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.fetchAttempts.WithLabelValues(source, status).Inc()
}

// Pass records a finished pass. Successful passes also move the
// last-success gauge.
func (m *Metrics) Pass(source, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(source, outcome).Inc()
	if outcome == PassSkipped {
		return
	}
	m.passDuration.WithLabelValues(source).Observe(took.Seconds())
	if outcome == PassOK {
		m.lastSuccessTS.WithLabelValues(source).SetToCurrentTime()
	}
}

func (m *Metrics) Reconciled(source string, inserted, updated, unchanged, failed int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(source, "inserted").Add(float64(inserted))
	m.events.WithLabelValues(source, "updated").Add(float64(updated))
	m.events.WithLabelValues(source, "unchanged").Add(float64(unchanged))
	m.events.WithLabelValues(source, "failed").Add(float64(failed))
}

func (m *Metrics) Query(result string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(result).Inc()
}
