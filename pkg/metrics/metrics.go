// Package metrics exposes Prometheus instrumentation for the orchestrator:
// agent lifecycle counts, message routing throughput, workflow stage
// transitions, and recovery error rates. Every recording method is a no-op
// on a nil *Metrics, so callers never need a feature-flag check of their
// own (§6 Non-goals: metrics are ambient, not part of the routing logic).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kpekel/swarmctl/pkg/message"
)

// Metrics holds every registered collector. Construct with NewMetrics; a
// nil *Config (or Config.Enabled == false) yields a nil *Metrics whose
// methods are safe, inert no-ops.
type Metrics struct {
	config   *Config
	registry *prometheus.Registry

	agentSpawns  *prometheus.CounterVec
	agentErrors  *prometheus.CounterVec
	agentActive  *prometheus.GaugeVec

	messagesRouted *prometheus.CounterVec

	stageTransitions  *prometheus.CounterVec
	workflowProgress  *prometheus.GaugeVec
	workflowsComplete *prometheus.CounterVec

	recoveryErrors  *prometheus.CounterVec
	checkpointsSaved *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance from cfg. Returns (nil, nil) when
// cfg is nil or disabled, matching the teacher's "metrics collection is
// opt-in" convention.
func NewMetrics(cfg *Config) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	m.initAgentMetrics()
	m.initMessageMetrics()
	m.initWorkflowMetrics()
	m.initRecoveryMetrics()
	return m, nil
}

func (m *Metrics) initAgentMetrics() {
	m.agentSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "spawns_total",
			Help:      "Total number of agent spawn attempts, by role and outcome",
		},
		[]string{"role", "outcome"},
	)
	m.agentErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "errors_total",
			Help:      "Total number of agent errors, by role and error code",
		},
		[]string{"role", "code"},
	)
	m.agentActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "active",
			Help:      "Number of agent handles currently in a given lifecycle state",
		},
		[]string{"role", "state"},
	)
	m.registry.MustRegister(m.agentSpawns, m.agentErrors, m.agentActive)
}

func (m *Metrics) initMessageMetrics() {
	m.messagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "message",
			Name:      "routed_total",
			Help:      "Total number of messages routed between roles, by source, target, and category",
		},
		[]string{"from", "to", "category"},
	)
	m.registry.MustRegister(m.messagesRouted)
}

func (m *Metrics) initWorkflowMetrics() {
	m.stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "workflow",
			Name:      "stage_transitions_total",
			Help:      "Total number of workflow stage transitions, by workflow type and target stage",
		},
		[]string{"workflow_type", "stage"},
	)
	m.workflowProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "workflow",
			Name:      "progress_percent",
			Help:      "Percentage of stages completed for the active session",
		},
		[]string{"session_id", "workflow_type"},
	)
	m.workflowsComplete = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "workflow",
			Name:      "completed_total",
			Help:      "Total number of workflows that reached a terminal state, by workflow type and result",
		},
		[]string{"workflow_type", "result"},
	)
	m.registry.MustRegister(m.stageTransitions, m.workflowProgress, m.workflowsComplete)
}

func (m *Metrics) initRecoveryMetrics() {
	m.recoveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "recovery",
			Name:      "errors_total",
			Help:      "Total number of errors processed by the recovery engine, by code and severity",
		},
		[]string{"code", "severity"},
	)
	m.checkpointsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "recovery",
			Name:      "checkpoints_saved_total",
			Help:      "Total number of checkpoints persisted, by checkpoint type",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.recoveryErrors, m.checkpointsSaved)
}

// RecordAgentSpawn records a spawn attempt's outcome ("ready", "error",
// "degraded").
func (m *Metrics) RecordAgentSpawn(role message.Role, outcome string) {
	if m == nil {
		return
	}
	m.agentSpawns.WithLabelValues(string(role), outcome).Inc()
}

// RecordAgentError records an agent-attributed error by its recovery code.
func (m *Metrics) RecordAgentError(role message.Role, code string) {
	if m == nil {
		return
	}
	m.agentErrors.WithLabelValues(string(role), code).Inc()
}

// SetAgentActive sets the number of handles currently in state for role.
func (m *Metrics) SetAgentActive(role message.Role, state string, count int) {
	if m == nil {
		return
	}
	m.agentActive.WithLabelValues(string(role), state).Set(float64(count))
}

// RecordMessageRouted records one routed message.
func (m *Metrics) RecordMessageRouted(from, to message.Role, category message.Category) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(string(from), string(to), string(category)).Inc()
}

// RecordStageTransition records a workflow advancing into a new stage.
func (m *Metrics) RecordStageTransition(workflowType, stage string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(workflowType, stage).Inc()
}

// SetWorkflowProgress publishes the current completion percentage of a
// running session.
func (m *Metrics) SetWorkflowProgress(sessionID, workflowType string, percent int) {
	if m == nil {
		return
	}
	m.workflowProgress.WithLabelValues(sessionID, workflowType).Set(float64(percent))
}

// RecordWorkflowComplete records a session reaching a terminal state
// ("complete", "failed", or "cancelled").
func (m *Metrics) RecordWorkflowComplete(workflowType, result string) {
	if m == nil {
		return
	}
	m.workflowsComplete.WithLabelValues(workflowType, result).Inc()
}

// RecordRecoveryError records an error handled by the recovery engine.
func (m *Metrics) RecordRecoveryError(code, severity string) {
	if m == nil {
		return
	}
	m.recoveryErrors.WithLabelValues(code, severity).Inc()
}

// RecordCheckpointSaved records a checkpoint persisted by typ.
func (m *Metrics) RecordCheckpointSaved(typ string) {
	if m == nil {
		return
	}
	m.checkpointsSaved.WithLabelValues(typ).Inc()
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format. Serves 503 when metrics are disabled, matching the teacher's
// nil-receiver handler convention.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, nil if disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
