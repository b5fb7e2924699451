package metrics

import "fmt"

// Config configures Prometheus metrics collection.
type Config struct {
	// Enabled turns on metrics collection. This package starts no HTTP
	// server; Metrics.Handler returns a handler for a caller to mount.
	// Default: false
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Endpoint is the path for mounting Metrics.Handler; no swarmctl command
	// mounts it, so it is only validated and defaulted here.
	// Default: "/metrics"
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`

	// Namespace prefixes every metric name (e.g. "swarmctl_agent_spawns_total").
	// Default: "swarmctl"
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// SetDefaults fills in the endpoint/namespace defaults when left blank.
func (c *Config) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "/metrics"
	}
	if c.Namespace == "" {
		c.Namespace = "swarmctl"
	}
}

// Validate checks Config for errors; a no-op when metrics are disabled.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("metrics: endpoint is required when metrics are enabled")
	}
	return nil
}
