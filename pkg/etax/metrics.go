package etax

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	submissions   *prometheus.CounterVec
	signatures    *prometheus.CounterVec
	verifications *prometheus.CounterVec
	submitLatency prometheus.Histogram
}

// NewMetrics creates the collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "etax",
				Name:      "submissions_total",
				Help:      "Number of submissions by outcome",
			},
			[]string{"outcome"},
		),
		signatures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "etax",
				Name:      "signatures_total",
				Help:      "Number of signatures created by document kind",
			},
			[]string{"kind"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "etax",
				Name:      "verifications_total",
				Help:      "Number of signature verifications by result",
			},
			[]string{"result"},
		),
		submitLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "etax",
				Name:      "submit_duration_seconds",
				Help:      "Duration of the submission exchange",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	m.registry.MustRegister(
		m.submissions,
		m.signatures,
		m.verifications,
		m.submitLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Submission records a finished submission
func (m *Metrics) Submission(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.submitLatency.Observe(took.Seconds())
}

// SignatureCreated counts a signature over a document of the given kind
func (m *Metrics) SignatureCreated(kind string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(kind).Inc()
}

// Verification counts a verification result
func (m *Metrics) Verification(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.verifications.WithLabelValues(result).Inc()
}
