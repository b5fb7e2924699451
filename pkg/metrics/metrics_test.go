package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/message"
)

func TestNewMetricsNilConfigReturnsNil(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestNewMetricsDisabledReturnsNil(t *testing.T) {
	m, err := NewMetrics(&Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestNewMetricsEnabledFillsDefaults(t *testing.T) {
	cfg := &Config{Enabled: true}
	m, err := NewMetrics(cfg)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "/metrics", cfg.Endpoint)
	require.Equal(t, "swarmctl", cfg.Namespace)
}

// A nil *Metrics must absorb every call without panicking: callers never
// need a feature-flag check of their own before recording.
func TestNilMetricsRecordingIsNoop(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.RecordAgentSpawn(message.RoleReviewer, "ready")
		m.RecordAgentError(message.RoleReviewer, "E_TIMEOUT")
		m.SetAgentActive(message.RoleReviewer, "working", 1)
		m.RecordMessageRouted(message.RoleReviewer, message.RoleOrchestrator, message.CategoryResult)
		m.RecordStageTransition("review", "review_patch")
		m.SetWorkflowProgress("sess-1", "review", 50)
		m.RecordWorkflowComplete("review", "complete")
		m.RecordRecoveryError("E_TIMEOUT", "warning")
		m.RecordCheckpointSaved("sqlite")
	})
	require.Nil(t, m.Registry())
}

func TestNilMetricsHandlerReturns503(t *testing.T) {
	var m *Metrics

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecordAgentSpawnIncrementsCounter(t *testing.T) {
	m, err := NewMetrics(&Config{Enabled: true, Namespace: "swarmctl_test"})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordAgentSpawn(message.RoleReviewer, "ready")
	m.RecordAgentSpawn(message.RoleReviewer, "ready")
	m.RecordAgentSpawn(message.RoleDeveloper, "error")

	require.Equal(t, float64(2), testutil.ToFloat64(m.agentSpawns.WithLabelValues(string(message.RoleReviewer), "ready")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.agentSpawns.WithLabelValues(string(message.RoleDeveloper), "error")))
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	m, err := NewMetrics(&Config{Enabled: true, Namespace: "swarmctl_test2"})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordCheckpointSaved("sqlite")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "swarmctl_test2_recovery_checkpoints_saved_total")
	require.True(t, strings.Contains(rec.Body.String(), "sqlite"))
}
