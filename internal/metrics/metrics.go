// Package metrics provides Prometheus metrics for agentwatch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	MutationsTotal     *prometheus.CounterVec
	PollDuration       prometheus.Histogram
	TranscriptsParsed  *prometheus.CounterVec
	AgentsReaped       *prometheus.CounterVec
	ProjectsReaped     prometheus.Counter
	LiveProjects       prometheus.Gauge
	LiveAgents         prometheus.Gauge
	Subscribers        prometheus.Gauge
	SubscribersDropped prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwatch_events_total",
				Help: "Push events received by type and result.",
			},
			[]string{"type", "result"},
		),
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwatch_mutations_total",
				Help: "Store mutations applied by producer and result.",
			},
			[]string{"producer", "result"},
		),
		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentwatch_poll_duration_seconds",
				Help:    "Duration of discovery poll ticks.",
				Buckets: prometheus.DefBuckets,
			},
		),
		TranscriptsParsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwatch_transcripts_parsed_total",
				Help: "Transcript files read by the poller, by result.",
			},
			[]string{"result"},
		),
		AgentsReaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwatch_agents_reaped_total",
				Help: "Agents removed or demoted by the reaper, by reason.",
			},
			[]string{"reason"},
		),
		ProjectsReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentwatch_projects_reaped_total",
				Help: "Empty projects removed by the reaper.",
			},
		),
		LiveProjects: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentwatch_projects",
				Help: "Projects in the current snapshot.",
			},
		),
		LiveAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentwatch_agents",
				Help: "Agents in the current snapshot.",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentwatch_subscribers",
				Help: "Connected snapshot subscribers.",
			},
		),
		SubscribersDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentwatch_subscribers_dropped_total",
				Help: "Subscribers dropped for not keeping up.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.MutationsTotal)
	reg.MustRegister(m.PollDuration)
	reg.MustRegister(m.TranscriptsParsed)
	reg.MustRegister(m.AgentsReaped)
	reg.MustRegister(m.ProjectsReaped)
	reg.MustRegister(m.LiveProjects)
	reg.MustRegister(m.LiveAgents)
	reg.MustRegister(m.Subscribers)
	reg.MustRegister(m.SubscribersDropped)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordEvent counts one push event.
func (m *Metrics) RecordEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordMutation counts one applied mutation.
func (m *Metrics) RecordMutation(producer, result string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(producer, result).Inc()
}

// ObservePoll records a poll tick duration.
func (m *Metrics) ObservePoll(seconds float64) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(seconds)
}

// RecordParse counts one transcript read.
func (m *Metrics) RecordParse(result string) {
	if m == nil {
		return
	}
	m.TranscriptsParsed.WithLabelValues(result).Inc()
}

// RecordReaped counts agents removed or demoted for reason.
func (m *Metrics) RecordReaped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AgentsReaped.WithLabelValues(reason).Add(float64(n))
}

// RecordProjectsReaped counts removed projects.
func (m *Metrics) RecordProjectsReaped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ProjectsReaped.Add(float64(n))
}

// SetLive sets the live entity gauges.
func (m *Metrics) SetLive(projects, agents int) {
	if m == nil {
		return
	}
	m.LiveProjects.Set(float64(projects))
	m.LiveAgents.Set(float64(agents))
}

// SetSubscribers sets the subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// RecordDroppedSubscriber counts a subscriber dropped for a full buffer.
func (m *Metrics) RecordDroppedSubscriber() {
	if m == nil {
		return
	}
	m.SubscribersDropped.Inc()
}
