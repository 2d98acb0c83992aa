// Package metrics holds the Prometheus collectors of the lead pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the pipeline reports to.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without metrics in tests.
type Metrics struct {
	// EventsReceived counts inbound events by outcome.
	// Labels: outcome (queued|dropped|ignored)
	EventsReceived *prometheus.CounterVec

	// Matches counts rule group keyword matches.
	Matches prometheus.Counter

	// LeadsCreated counts newly persisted leads.
	LeadsCreated prometheus.Counter

	// Notifications counts lead notification attempts.
	// Labels: status (sent|error)
	Notifications *prometheus.CounterVec

	// ClassifierCalls counts classifier gate decisions.
	// Labels: result (pass|reject|error)
	ClassifierCalls *prometheus.CounterVec

	// ClassifierDuration measures classifier request latency in seconds.
	ClassifierDuration prometheus.Histogram

	// DedupDecisions counts dedup limiter outcomes.
	// Labels: decision (accept|redelivery|duplicate|rate_limited)
	DedupDecisions *prometheus.CounterVec

	// SinkFlushes counts export sink flushes.
	// Labels: status (ok|retry|backup)
	SinkFlushes *prometheus.CounterVec

	// Alerts counts operator alerts by kind and whether they were sent.
	// Labels: kind, status (sent|suppressed|error)
	Alerts *prometheus.CounterVec

	// QueueDepth is the current number of envelopes waiting for a worker.
	QueueDepth prometheus.Gauge

	// ActiveChannels is the size of the listener working set.
	ActiveChannels prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_events_total",
				Help: "Inbound chat events by outcome",
			},
			[]string{"outcome"},
		),
		Matches: f.NewCounter(prometheus.CounterOpts{
			Name: "leadradar_matches_total",
			Help: "Rule group keyword matches",
		}),
		LeadsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "leadradar_leads_created_total",
			Help: "Leads persisted for the first time",
		}),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_notifications_total",
				Help: "Lead notifications by delivery status",
			},
			[]string{"status"},
		),
		ClassifierCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_classifier_calls_total",
				Help: "Classifier gate decisions by result",
			},
			[]string{"result"},
		),
		ClassifierDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "leadradar_classifier_duration_seconds",
			Help:    "Classifier request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20},
		}),
		DedupDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_dedup_decisions_total",
				Help: "Dedup limiter decisions",
			},
			[]string{"decision"},
		),
		SinkFlushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_sink_flushes_total",
				Help: "Export sink flush attempts by status",
			},
			[]string{"status"},
		),
		Alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadradar_alerts_total",
				Help: "Operator alerts by kind and status",
			},
			[]string{"kind", "status"},
		),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "leadradar_queue_depth",
			Help: "Envelopes waiting for a pipeline worker",
		}),
		ActiveChannels: f.NewGauge(prometheus.GaugeOpts{
			Name: "leadradar_active_channels",
			Help: "Channels in the listener working set",
		}),
	}
}

// Event records an inbound event outcome.
func (m *Metrics) Event(outcome string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(outcome).Inc()
}

// Match records a rule group match.
func (m *Metrics) Match() {
	if m == nil {
		return
	}
	m.Matches.Inc()
}

// LeadCreated records a new lead.
func (m *Metrics) LeadCreated() {
	if m == nil {
		return
	}
	m.LeadsCreated.Inc()
}

// Notification records a notification attempt.
func (m *Metrics) Notification(status string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(status).Inc()
}

// Classifier records a classifier decision and its latency.
func (m *Metrics) Classifier(result string, seconds float64) {
	if m == nil {
		return
	}
	m.ClassifierCalls.WithLabelValues(result).Inc()
	m.ClassifierDuration.Observe(seconds)
}

// Dedup records a dedup decision.
func (m *Metrics) Dedup(decision string) {
	if m == nil {
		return
	}
	m.DedupDecisions.WithLabelValues(decision).Inc()
}

// SinkFlush records a sink flush attempt.
func (m *Metrics) SinkFlush(status string) {
	if m == nil {
		return
	}
	m.SinkFlushes.WithLabelValues(status).Inc()
}

// Alert records an operator alert.
func (m *Metrics) Alert(kind, status string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(kind, status).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetActiveChannels updates the working set gauge.
func (m *Metrics) SetActiveChannels(n int) {
	if m == nil {
		return
	}
	m.ActiveChannels.Set(float64(n))
}
