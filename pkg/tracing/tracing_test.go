package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNilConfigReturnsNil(t *testing.T) {
	tr, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, tr)
}

func TestNewDisabledReturnsNil(t *testing.T) {
	tr, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, tr)
}

func TestNewEnabledStdoutFillsDefaults(t *testing.T) {
	cfg := &Config{Enabled: true, Exporter: "stdout"}
	tr, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Equal(t, "swarmctl", cfg.ServiceName)
	require.Equal(t, float64(1), cfg.SamplingRate)
	require.NoError(t, tr.Shutdown(context.Background()))
}

// A nil *Tracer must absorb every call without panicking, matching
// pkg/metrics' nil-collaborator convention.
func TestNilTracerRecordEventIsNoop(t *testing.T) {
	var tr *Tracer
	require.NotPanics(t, func() {
		tr.RecordEvent(context.Background(), "agent_spawned", map[string]interface{}{"role": "developer"})
	})
	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestRecordEventOnEnabledTracerDoesNotPanic(t *testing.T) {
	tr, err := New(context.Background(), &Config{Enabled: true, Exporter: "stdout"})
	require.NoError(t, err)
	require.NotPanics(t, func() {
		tr.RecordEvent(context.Background(), "stage_transition", map[string]interface{}{"session_id": "sess-1", "stage": "review"})
	})
	require.NoError(t, tr.Shutdown(context.Background()))
}
