// ABOUTME: Prometheus collectors for dispatch, agents, transport and artifact checks.
// ABOUTME: Methods are nil-safe so components can run without metrics wired.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsScheduled      prometheus.Counter
	jobsAssigned       prometheus.Counter
	jobsCompleted      *prometheus.CounterVec
	pendingJobs        prometheus.Gauge
	agentsByState      *prometheus.GaugeVec
	dispatchRaces      prometheus.Counter
	protocolViolations *prometheus.CounterVec
	malformedMessages  *prometheus.CounterVec
	unknownActions     prometheus.Counter
	checksumOutcomes   *prometheus.CounterVec
	consoleWarnings    prometheus.Counter
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.jobsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gantry_jobs_scheduled_total",
		Help: "Total number of jobs accepted into the pending queue",
	})
	m.jobsAssigned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gantry_jobs_assigned_total",
		Help: "Total number of jobs handed to an agent",
	})
	m.jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal result",
		},
		[]string{"result"},
	)
	m.pendingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gantry_pending_jobs",
		Help: "Number of jobs waiting for an agent",
	})
	m.agentsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_agents",
			Help: "Number of known agents by runtime state",
		},
		[]string{"state"},
	)
	m.dispatchRaces = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gantry_dispatch_races_total",
		Help: "Assignments discarded because the job was claimed elsewhere",
	})
	m.protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_protocol_violations_total",
			Help: "Messages rejected because they broke the agent protocol",
		},
		[]string{"kind"},
	)
	m.malformedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_malformed_messages_total",
			Help: "Messages that could not be decoded",
		},
		[]string{"transport"},
	)
	m.unknownActions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gantry_unknown_actions_total",
		Help: "Messages received with an unknown action",
	})
	m.checksumOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_artifact_checksum_outcomes_total",
			Help: "Artifact checksum validation outcomes",
		},
		[]string{"outcome"},
	)
	m.consoleWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gantry_console_inactivity_warnings_total",
		Help: "Jobs warned for producing no console output",
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsScheduled,
		m.jobsAssigned,
		m.jobsCompleted,
		m.pendingJobs,
		m.agentsByState,
		m.dispatchRaces,
		m.protocolViolations,
		m.malformedMessages,
		m.unknownActions,
		m.checksumOutcomes,
		m.consoleWarnings,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) JobScheduled() {
	if m != nil {
		m.jobsScheduled.Inc()
	}
}

func (m *Metrics) JobAssigned() {
	if m != nil {
		m.jobsAssigned.Inc()
	}
}

func (m *Metrics) JobCompleted(result string) {
	if m != nil {
		m.jobsCompleted.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pendingJobs.Set(float64(n))
	}
}

// SetAgentStates replaces the per-state agent gauge.
func (m *Metrics) SetAgentStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.agentsByState.Reset()
	for state, n := range counts {
		m.agentsByState.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) DispatchRace() {
	if m != nil {
		m.dispatchRaces.Inc()
	}
}

func (m *Metrics) ProtocolViolation(kind string) {
	if m != nil {
		m.protocolViolations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) MalformedMessage(transport string) {
	if m != nil {
		m.malformedMessages.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) UnknownAction() {
	if m != nil {
		m.unknownActions.Inc()
	}
}

func (m *Metrics) ChecksumOutcome(outcome string) {
	if m != nil {
		m.checksumOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ConsoleWarning() {
	if m != nil {
		m.consoleWarnings.Inc()
	}
}
