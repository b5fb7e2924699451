// Package config loads the top-level swarm configuration file and
// per-template workflow YAML, applying SWARM_* environment overrides on
// top (§6 External Interfaces). It follows the teacher's
// read → parse → env-expand → decode → validate pipeline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kpekel/swarmctl/pkg/metrics"
	"github.com/kpekel/swarmctl/pkg/tracing"
)

// Config is the top-level swarm configuration: retry/checkpoint/timeout
// knobs plus logging and storage paths.
type Config struct {
	MaxRetries            int    `yaml:"maxRetries" mapstructure:"maxRetries"`
	RetryDelayMs          int    `yaml:"retryDelayMs" mapstructure:"retryDelayMs"`
	CheckpointEnabled     bool   `yaml:"checkpointEnabled" mapstructure:"checkpointEnabled"`
	CheckpointIntervalSec int    `yaml:"checkpointIntervalSec" mapstructure:"checkpointIntervalSec"`
	AllowPartial          bool   `yaml:"allowPartial" mapstructure:"allowPartial"`
	NoColor               bool   `yaml:"noColor" mapstructure:"noColor"`
	DefaultTimeoutSec     int    `yaml:"defaultTimeoutSec" mapstructure:"defaultTimeoutSec"`
	MonitorIntervalSec    int    `yaml:"monitorIntervalSec" mapstructure:"monitorIntervalSec"`
	AgentTimeoutSec       int    `yaml:"agentTimeoutSec" mapstructure:"agentTimeoutSec"`

	AuditDBPath   string `yaml:"auditDbPath" mapstructure:"auditDbPath"`
	WorktreesRoot string `yaml:"worktreesRoot" mapstructure:"worktreesRoot"`
	QueueRoot     string `yaml:"queueRoot" mapstructure:"queueRoot"`

	LogLevel  string `yaml:"logLevel" mapstructure:"logLevel"`
	LogFormat string `yaml:"logFormat" mapstructure:"logFormat"`
	LogFile   string `yaml:"logFile" mapstructure:"logFile"`

	Metrics metrics.Config `yaml:"metrics" mapstructure:"metrics"`
	Tracing tracing.Config `yaml:"tracing" mapstructure:"tracing"`
}

// Defaults returns the spec's documented defaults (§4.7, §6): 3 retries,
// 1s initial delay, checkpoints on at 60s, 5s monitor interval, 120s agent
// timeout, unbounded workflow timeout.
func Defaults() Config {
	return Config{
		MaxRetries:            3,
		RetryDelayMs:          1000,
		CheckpointEnabled:     true,
		CheckpointIntervalSec: 60,
		AllowPartial:          false,
		NoColor:               false,
		DefaultTimeoutSec:     0,
		MonitorIntervalSec:    5,
		AgentTimeoutSec:       120,
		AuditDBPath:           ".swarm/audit.db",
		WorktreesRoot:         ".worktrees",
		QueueRoot:             ".swarm",
		LogLevel:              "info",
		LogFormat:             "simple",
		Metrics:               metrics.Config{Enabled: false, Endpoint: "/metrics", Namespace: "swarmctl"},
		Tracing:               tracing.Config{Enabled: false, Exporter: "otlp", ServiceName: "swarmctl", SamplingRate: 1},
	}
}

// RetryDelay returns RetryDelayMs as a time.Duration.
func (c Config) RetryDelay() time.Duration { return time.Duration(c.RetryDelayMs) * time.Millisecond }

// CheckpointInterval returns CheckpointIntervalSec as a time.Duration.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalSec) * time.Second
}

// DefaultTimeout returns DefaultTimeoutSec as a time.Duration (0 = unbounded).
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// MonitorInterval returns MonitorIntervalSec as a time.Duration.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSec) * time.Second
}

// AgentTimeout returns AgentTimeoutSec as a time.Duration.
func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSec) * time.Second
}

// Load reads a YAML config file at path (if it exists), decodes it on top
// of Defaults(), expands ${VAR} references in string fields, and applies
// SWARM_* environment overrides (§6) — mirroring the teacher's layered
// load → expand → override pipeline.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnvOverrides(cfg), nil
			}
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		expandMapStrings(raw)

		if err := decode(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg = applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects structurally nonsensical configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: maxRetries must be >= 0")
	}
	if c.MonitorIntervalSec <= 0 {
		return fmt.Errorf("config: monitorIntervalSec must be > 0")
	}
	if c.AgentTimeoutSec <= 0 {
		return fmt.Errorf("config: agentTimeoutSec must be > 0")
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	return nil
}
