package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ask outcomes.
const (
	OutcomeAnswered     = "answered"
	OutcomeUpstreamFail = "upstream_error"
	OutcomeRejected     = "rejected"
	OutcomePersistFail  = "persist_failed"
	OutcomeNoFollowups  = "followups_failed"
)

// Metrics owns a private registry so several servers can coexist in tests.
// Methods on a nil *Metrics are no-ops.
type Metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	asks      *prometheus.CounterVec
	fragments *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docchat",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docchat",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		asks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docchat",
			Name:      "ask_outcomes_total",
			Help:      "Answer pipeline outcomes, including degraded best-effort steps.",
		}, []string{"outcome"}),
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docchat",
			Name:      "context_fragments_total",
			Help:      "Context fragments attached to model requests by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.latency, m.asks, m.fragments,
	)
	return m
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) Ask(outcome string) {
	if m == nil {
		return
	}
	m.asks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fragment(kind string) {
	if m == nil {
		return
	}
	m.fragments.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
