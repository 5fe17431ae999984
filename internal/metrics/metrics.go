// Package metrics provides Prometheus metrics for the edge pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics owns a private registry and every pipeline collector. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion
	Snapshots    *prometheus.CounterVec
	FetchErrors  *prometheus.CounterVec
	SkippedPolls *prometheus.CounterVec
	Articles     *prometheus.CounterVec

	// Normalization and news
	Normalized *prometheus.CounterVec
	Chunks     *prometheus.CounterVec

	// Calibration
	Calibrations   *prometheus.CounterVec
	ScoringLatency *prometheus.HistogramVec

	// Dispatch and alerting
	Dispatches       *prometheus.CounterVec
	AlertTransitions *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec

	Archived *prometheus.CounterVec
}

// New creates a Metrics with all collectors registered, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_snapshots_total",
				Help: "Venue records seen by feed adapters, by outcome",
			},
			[]string{"platform", "outcome"},
		),
		FetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_fetch_errors_total",
				Help: "Failed fetch attempts against external APIs",
			},
			[]string{"source"},
		),
		SkippedPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_skipped_polls_total",
				Help: "Poll cycles abandoned after exhausting retries",
			},
			[]string{"source"},
		),
		Articles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_articles_total",
				Help: "News articles by outcome",
			},
			[]string{"outcome"},
		),
		Normalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_normalized_total",
				Help: "Snapshots handled by the normalizer, by outcome",
			},
			[]string{"platform", "outcome"},
		),
		Chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_chunks_total",
				Help: "Article chunks by outcome",
			},
			[]string{"outcome"},
		),
		Calibrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_calibrations_total",
				Help: "Per-market calibration attempts, by outcome",
			},
			[]string{"outcome"},
		),
		ScoringLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "miscal_scoring_duration_seconds",
				Help:    "Latency of the scoring capability",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"scorer"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_dispatches_total",
				Help: "Edges published to the alert topic",
			},
			[]string{"path"},
		),
		AlertTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_alert_transitions_total",
				Help: "Alert delivery state transitions",
			},
			[]string{"state", "reason"},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_delivery_attempts_total",
				Help: "Outbound notification attempts",
			},
			[]string{"transport", "outcome"},
		),
		Archived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miscal_archived_rows_total",
				Help: "Rows exported to object storage",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Snapshots, m.FetchErrors, m.SkippedPolls, m.Articles,
		m.Normalized, m.Chunks,
		m.Calibrations, m.ScoringLatency,
		m.Dispatches, m.AlertTransitions, m.DeliveryAttempts,
		m.Archived,
	)
	return m
}

// Registry returns the prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func inc(v *prometheus.CounterVec, labels ...string) {
	v.WithLabelValues(labels...).Inc()
}

// Snapshot counts one venue record.
func (m *Metrics) Snapshot(platform, outcome string) {
	if m != nil {
		inc(m.Snapshots, platform, outcome)
	}
}

// FetchError counts one failed fetch attempt.
func (m *Metrics) FetchError(source string) {
	if m != nil {
		inc(m.FetchErrors, source)
	}
}

// SkippedPoll counts one abandoned poll cycle.
func (m *Metrics) SkippedPoll(source string) {
	if m != nil {
		inc(m.SkippedPolls, source)
	}
}

// Article counts one news article.
func (m *Metrics) Article(outcome string) {
	if m != nil {
		inc(m.Articles, outcome)
	}
}

// Normalize counts one normalizer outcome.
func (m *Metrics) Normalize(platform, outcome string) {
	if m != nil {
		inc(m.Normalized, platform, outcome)
	}
}

// Chunk counts one chunk outcome.
func (m *Metrics) Chunk(outcome string) {
	if m != nil {
		inc(m.Chunks, outcome)
	}
}

// Calibration counts one calibration outcome.
func (m *Metrics) Calibration(outcome string) {
	if m != nil {
		inc(m.Calibrations, outcome)
	}
}

// ObserveScoring records scoring latency.
func (m *Metrics) ObserveScoring(scorer string, d time.Duration) {
	if m != nil {
		m.ScoringLatency.WithLabelValues(scorer).Observe(d.Seconds())
	}
}

// Dispatch counts one published edge.
func (m *Metrics) Dispatch(path string) {
	if m != nil {
		inc(m.Dispatches, path)
	}
}

// AlertTransition counts one delivery state change.
func (m *Metrics) AlertTransition(state, reason string) {
	if m != nil {
		inc(m.AlertTransitions, state, reason)
	}
}

// DeliveryAttempt counts one outbound attempt.
func (m *Metrics) DeliveryAttempt(transport, outcome string) {
	if m != nil {
		inc(m.DeliveryAttempts, transport, outcome)
	}
}

// Archive adds n exported rows.
func (m *Metrics) Archive(kind string, n int64) {
	if m != nil {
		m.Archived.WithLabelValues(kind).Add(float64(n))
	}
}
