package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Tool call metrics
	ToolCallsTotal      *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
	ToolCallErrorsTotal *prometheus.CounterVec
	BatchesTotal        prometheus.Counter
	CallsInFlight       prometheus.Gauge

	// Auth metrics
	AuthResolutionsTotal  *prometheus.CounterVec
	TokenExchangesTotal   *prometheus.CounterVec
	TokenCacheHitsTotal   prometheus.Counter
	TokenCacheMissesTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_calls_total",
				Help: "Total number of tool calls executed",
			},
			[]string{"tool_name", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),
		ToolCallErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_call_errors_total",
				Help: "Total number of failed tool calls",
			},
			[]string{"tool_name", "error_type"},
		),
		BatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tool_call_batches_total",
				Help: "Total number of execution batches dispatched",
			},
		),
		CallsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tool_calls_in_flight",
				Help: "Number of tool calls currently executing",
			},
		),

		AuthResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_resolutions_total",
				Help: "Total number of outbound auth resolutions",
			},
			[]string{"auth_type", "status"},
		),
		TokenExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_token_exchanges_total",
				Help: "Total number of OAuth2 client-credentials exchanges",
			},
			[]string{"status"},
		),
		TokenCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "oauth_token_cache_hits_total",
				Help: "Total number of token cache hits",
			},
		),
		TokenCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "oauth_token_cache_misses_total",
				Help: "Total number of token cache misses",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.ToolCallsTotal)
	m.registry.MustRegister(m.ToolCallDuration)
	m.registry.MustRegister(m.ToolCallErrorsTotal)
	m.registry.MustRegister(m.BatchesTotal)
	m.registry.MustRegister(m.CallsInFlight)

	m.registry.MustRegister(m.AuthResolutionsTotal)
	m.registry.MustRegister(m.TokenExchangesTotal)
	m.registry.MustRegister(m.TokenCacheHitsTotal)
	m.registry.MustRegister(m.TokenCacheMissesTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
