package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.Defaults().MaxRetries, cfg.MaxRetries)
}

func TestLoadDecodesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxRetries: 7\nmonitorIntervalSec: 10\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxRetries)
	require.Equal(t, 10, cfg.MonitorIntervalSec)
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxRetries: 7\n"), 0o644))

	t.Setenv("SWARM_MAX_RETRIES", "9")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.MaxRetries)
}

func TestEnvOverrideEnablesMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxRetries: 1\n"), 0o644))

	t.Setenv("SWARM_METRICS_ENABLED", "true")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Metrics.Enabled)
}

func TestValidateRejectsNonPositiveMonitorInterval(t *testing.T) {
	cfg := config.Defaults()
	cfg.MonitorIntervalSec = 0
	require.Error(t, cfg.Validate())
}

func TestLoadTemplateParsesCustomWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	doc := `
name: custom
entryStage: draft
completionStage: done
stages:
  - id: draft
    role: researcher
    category: work
  - id: done
    role: researcher
    category: synthesis
transitions:
  - from: draft
    to: done
    guard:
      kind: always
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	tmpl, err := config.LoadTemplate(path)
	require.NoError(t, err)
	require.Equal(t, "custom", tmpl.Name)
	require.NoError(t, tmpl.Validate())
}

func TestLoadTemplateRejectsUnknownEntryStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	doc := `
name: bad
entryStage: missing
completionStage: missing
stages:
  - id: only
    role: researcher
    category: work
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := config.LoadTemplate(path)
	require.Error(t, err)
}
