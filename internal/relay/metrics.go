package relay

import (
	"net/http"

	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/getsentry/clientreport/internal/ratelimit"
	"github.com/getsentry/clientreport/internal/report"
	"github.com/getsentry/clientreport/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "clientreport_relay"

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	outcomes       *prometheus.CounterVec
	accepted       *prometheus.CounterVec
	invalidReports prometheus.Counter
	requests       *prometheus.CounterVec
}

// NewMetrics registers the relay collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "outcomes_total",
			Help:      "Items counted in client reports, by outcome list, reason and category.",
		}, []string{"outcome", "reason", "category"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accepted_total",
			Help:      "Items forwarded upstream, by category.",
		}, []string{"category"}),
		invalidReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invalid_client_reports_total",
			Help:      "Inbound client report items that failed to decode.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Envelope requests, by response status code.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(m.outcomes, m.accepted, m.invalidReports, m.requests)
	return m
}

// RegisterQueue exposes the upstream queue counters as gauges.
func (m *Metrics) RegisterQueue(queue func() telemetry.BufferMetrics) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_queue_size",
			Help:      "Envelopes waiting to be sent upstream.",
		}, func() float64 { return float64(queue().Size) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_queue_dropped",
			Help:      "Envelopes dropped because the upstream queue was full.",
		}, func() float64 { return float64(queue().DroppedCount) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// recorder counts outcomes in both the relay aggregator and Prometheus.
type recorder struct {
	aggregator *report.Aggregator
	metrics    *Metrics
}

var _ report.Recorder = (*recorder)(nil)

func (r *recorder) Record(reason report.DiscardReason, category ratelimit.Category, quantity int64) {
	r.RecordOutcome(report.OutcomeDiscarded, reason, category, quantity)
}

func (r *recorder) RecordOne(reason report.DiscardReason, category ratelimit.Category) {
	r.RecordOutcome(report.OutcomeDiscarded, reason, category, 1)
}

func (r *recorder) RecordOutcome(outcome report.Outcome, reason report.DiscardReason, category ratelimit.Category, quantity int64) {
	if quantity <= 0 {
		return
	}
	r.aggregator.RecordOutcome(outcome, reason, category, quantity)
	r.metrics.outcomes.WithLabelValues(outcome.String(), string(reason), string(category)).Add(float64(quantity))
}

func (r *recorder) RecordForEnvelope(reason report.DiscardReason, envelope *protocol.Envelope) {
	if envelope == nil {
		return
	}
	for _, item := range envelope.Items {
		r.recordItem(report.OutcomeDiscarded, reason, item)
	}
}

func (r *recorder) recordItem(outcome report.Outcome, reason report.DiscardReason, item *protocol.EnvelopeItem) {
	report.ItemQuantities(item, func(category ratelimit.Category, quantity int64) {
		r.RecordOutcome(outcome, reason, category, quantity)
	})
}
