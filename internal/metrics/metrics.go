// Package metrics exposes Prometheus counters for the social sign-in flow.
//
// All record methods are nil-safe so handlers and tests can run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "temto_auth"

// Label names.
const (
	LabelProvider = "provider"
	LabelOutcome  = "outcome"
	LabelResult   = "result"
	LabelNewUser  = "new_user"
)

// Metrics holds the registry and every collector the service records to.
type Metrics struct {
	registry *prometheus.Registry

	flowStarts       *prometheus.CounterVec
	callbacks        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	sessionsIssued   *prometheus.CounterVec
	rateLimited      prometheus.Counter
	sessionsCleaned  prometheus.Counter
}

// New registers all collectors on a fresh registry, plus the Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		flowStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_starts_total",
			Help:      "Sign-in flows started, by provider and result (redirected, unconfigured, error).",
		}, []string{LabelProvider, LabelResult}),
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Provider callbacks handled, by provider and terminal outcome.",
		}, []string{LabelProvider, LabelOutcome}),
		exchangeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_exchange_duration_seconds",
			Help:      "Token exchange plus identity lookup latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{LabelProvider, LabelResult}),
		sessionsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_issued_total",
			Help:      "Sessions issued after a successful callback.",
		}, []string{LabelProvider, LabelNewUser}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-IP limiter.",
		}),
		sessionsCleaned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_cleaned_total",
			Help:      "Expired sessions removed by the cleanup job.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) FlowStarted(provider, result string) {
	if m == nil {
		return
	}
	m.flowStarts.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) CallbackFinished(provider, outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ExchangeObserved(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.exchangeDuration.WithLabelValues(provider, result).Observe(d.Seconds())
}

func (m *Metrics) SessionIssued(provider string, newUser bool) {
	if m == nil {
		return
	}
	label := "false"
	if newUser {
		label = "true"
	}
	m.sessionsIssued.WithLabelValues(provider, label).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) SessionsCleaned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsCleaned.Add(float64(n))
}
