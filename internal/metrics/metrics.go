// Package metrics exposes Prometheus instrumentation. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fitalert"

// Metrics groups every collector the service records.
type Metrics struct {
	registry *prometheus.Registry

	samplesEvaluated     prometheus.Counter
	samplesDropped       prometheus.Counter
	alertsOpened         *prometheus.CounterVec
	alertsRaised         prometheus.Counter
	alertsEscalated      prometheus.Counter
	alertsResolved       *prometheus.CounterVec
	notificationsCreated prometheus.Counter
	channelSends         *prometheus.CounterVec
	jobsFinished         *prometheus.CounterVec
	jobsPending          prometheus.Gauge
	progressConnections  prometheus.Gauge
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samplesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_evaluated_total",
			Help: "Metric samples evaluated against thresholds.",
		}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_dropped_total",
			Help: "Metric samples dropped as invalid or failed.",
		}),
		alertsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_opened_total",
			Help: "Alerts opened, by severity.",
		}, []string{"severity"}),
		alertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_raised_total",
			Help: "Open alerts raised from warning to critical.",
		}),
		alertsEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_escalated_total",
			Help: "Alerts escalated after staying unacknowledged.",
		}),
		alertsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_resolved_total",
			Help: "Alerts resolved, by how they were resolved.",
		}, []string{"by"}),
		notificationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_created_total",
			Help: "In-app notification rows written.",
		}),
		channelSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_sends_total",
			Help: "External channel deliveries, by channel and result.",
		}, []string{"channel", "result"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_finished_total",
			Help: "Background job attempts finished, by kind and outcome.",
		}, []string{"kind", "state"}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_pending",
			Help: "Jobs waiting to run.",
		}),
		progressConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "progress_connections",
			Help: "Connected progress listeners.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.samplesEvaluated, m.samplesDropped,
		m.alertsOpened, m.alertsRaised, m.alertsEscalated, m.alertsResolved,
		m.notificationsCreated, m.channelSends,
		m.jobsFinished, m.jobsPending, m.progressConnections,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SampleEvaluated() {
	if m != nil {
		m.samplesEvaluated.Inc()
	}
}

func (m *Metrics) SampleDropped() {
	if m != nil {
		m.samplesDropped.Inc()
	}
}

func (m *Metrics) AlertOpened(severity string) {
	if m != nil {
		m.alertsOpened.WithLabelValues(severity).Inc()
	}
}

func (m *Metrics) AlertRaised() {
	if m != nil {
		m.alertsRaised.Inc()
	}
}

func (m *Metrics) AlertEscalated() {
	if m != nil {
		m.alertsEscalated.Inc()
	}
}

// AlertResolved counts a resolution; by is "auto" or "operator".
func (m *Metrics) AlertResolved(by string) {
	if m != nil {
		m.alertsResolved.WithLabelValues(by).Inc()
	}
}

func (m *Metrics) NotificationCreated() {
	if m != nil {
		m.notificationsCreated.Inc()
	}
}

// ChannelSend counts a delivery attempt; result is "ok", "error" or "throttled".
func (m *Metrics) ChannelSend(channel, result string) {
	if m != nil {
		m.channelSends.WithLabelValues(channel, result).Inc()
	}
}

func (m *Metrics) JobFinished(kind, state string) {
	if m != nil {
		m.jobsFinished.WithLabelValues(kind, state).Inc()
	}
}

func (m *Metrics) SetJobsPending(n int) {
	if m != nil {
		m.jobsPending.Set(float64(n))
	}
}

func (m *Metrics) SetProgressConnections(n int) {
	if m != nil {
		m.progressConnections.Set(float64(n))
	}
}
