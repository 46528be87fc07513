package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carts"

// Metrics holds the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	Commands            *prometheus.CounterVec
	ApprovalResults     *prometheus.CounterVec
	Finalizations       prometheus.Counter
	InconsistencyFaults prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPLatencyMS       *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands handled, by command and outcome.",
		}, []string{"command", "outcome"}),
		ApprovalResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_results_total",
			Help:      "Approval workflow transitions, by result.",
		}, []string{"result"}),
		Finalizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Purchase requests finalized (cart cleared).",
		}),
		InconsistencyFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inconsistency_faults_total",
			Help:      "Finalize attempts that left cart and workflow state out of step.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		HTTPLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.Commands,
		m.ApprovalResults,
		m.Finalizations,
		m.InconsistencyFaults,
		m.HTTPRequests,
		m.HTTPLatencyMS,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
