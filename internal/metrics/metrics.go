// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes.
const (
	OutcomeAnswered    = "answered"
	OutcomeFailed      = "failed"
	OutcomeIgnored     = "ignored"
	OutcomeRateLimited = "rate_limited"
	OutcomeEmpty       = "empty"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal        *prometheus.CounterVec
	GenerationDuration   *prometheus.HistogramVec
	RetriesTotal         prometheus.Counter
	ShortenRequestsTotal prometheus.Counter
	SessionPrunesTotal   prometheus.Counter
	IdleSpeaksTotal      *prometheus.CounterVec
	OutboundSubscribers  prometheus.Gauge
}

// New creates the relay metrics on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Inbound platform messages by outcome",
			},
			[]string{"outcome"},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_generation_duration_seconds",
				Help:    "Duration of generative service calls, retries included",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"status"},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_dispatch_retries_total",
				Help: "Retries scheduled after transient upstream failures",
			},
		),
		ShortenRequestsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_shorten_requests_total",
				Help: "Replies sent back to the model for being over the size limit",
			},
		),
		SessionPrunesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_session_prunes_total",
				Help: "Times the live session was pruned",
			},
		),
		IdleSpeaksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_idle_speaks_total",
				Help: "Idle-speak attempts by outcome",
			},
			[]string{"outcome"},
		),
		OutboundSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_outbound_subscribers",
				Help: "Connected platform adapters",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordMessage counts an inbound message.
func (m *Metrics) RecordMessage(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveGeneration records a generative service call.
func (m *Metrics) ObserveGeneration(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.GenerationDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordRetry counts a scheduled retry.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// RecordShorten counts a shorten request.
func (m *Metrics) RecordShorten() {
	if m == nil {
		return
	}
	m.ShortenRequestsTotal.Inc()
}

// RecordPrune counts a session prune.
func (m *Metrics) RecordPrune() {
	if m == nil {
		return
	}
	m.SessionPrunesTotal.Inc()
}

// RecordIdleSpeak counts an idle-speak attempt.
func (m *Metrics) RecordIdleSpeak(outcome string) {
	if m == nil {
		return
	}
	m.IdleSpeaksTotal.WithLabelValues(outcome).Inc()
}

// SetSubscribers updates the connected adapter gauge.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.OutboundSubscribers.Set(float64(n))
}
