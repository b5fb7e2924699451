package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
)

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
)

func init() {
	// Best-effort: a missing .env is normal, not an error (matches the
	// teacher's optional-dotenv convention).
	_ = godotenv.Load()
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references in s against
// the process environment.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(parts[1]); ok && val != "" {
			return val
		}
		return parts[2]
	})
	s = envBraced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
	return s
}

// expandMapStrings walks a decoded YAML map in place, expanding env
// references in every string leaf.
func expandMapStrings(m map[string]interface{}) {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			m[k] = expandEnvVars(val)
		case map[string]interface{}:
			expandMapStrings(val)
		case []interface{}:
			for i, item := range val {
				if s, ok := item.(string); ok {
					val[i] = expandEnvVars(s)
				} else if nested, ok := item.(map[string]interface{}); ok {
					expandMapStrings(nested)
				}
			}
		}
	}
}

// decode maps a raw YAML-decoded structure onto dst via mapstructure,
// matching field names case-insensitively (teacher's loader.go pattern).
func decode(raw map[string]interface{}, dst interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// envOverride describes one SWARM_* environment variable and how it
// mutates Config (§6 Environment variables).
type envOverride struct {
	name  string
	apply func(*Config, string)
}

var envOverrides = []envOverride{
	{"SWARM_MAX_RETRIES", func(c *Config, v string) { setInt(&c.MaxRetries, v) }},
	{"SWARM_RETRY_DELAY", func(c *Config, v string) { setInt(&c.RetryDelayMs, v) }},
	{"SWARM_CHECKPOINT_ENABLED", func(c *Config, v string) { setBool(&c.CheckpointEnabled, v) }},
	{"SWARM_CHECKPOINT_INTERVAL", func(c *Config, v string) { setInt(&c.CheckpointIntervalSec, v) }},
	{"SWARM_ALLOW_PARTIAL", func(c *Config, v string) { setBool(&c.AllowPartial, v) }},
	{"SWARM_NO_COLOR", func(c *Config, v string) { setBool(&c.NoColor, v) }},
	{"SWARM_DEFAULT_TIMEOUT", func(c *Config, v string) { setInt(&c.DefaultTimeoutSec, v) }},
	{"SWARM_MONITOR_INTERVAL", func(c *Config, v string) { setInt(&c.MonitorIntervalSec, v) }},
	{"SWARM_METRICS_ENABLED", func(c *Config, v string) { setBool(&c.Metrics.Enabled, v) }},
}

// applyEnvOverrides mutates cfg per any SWARM_* variables set in the
// process environment, taking precedence over file configuration.
func applyEnvOverrides(cfg Config) Config {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok {
			o.apply(&cfg, v)
		}
	}
	return cfg
}

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, v string) {
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}
