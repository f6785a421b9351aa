// Package config provides configuration parsing and validation for echoprobe.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/echoprobe/internal/icmp"
)

// Config represents the complete probe configuration.
type Config struct {
	Probe   ProbeConfig   `yaml:"probe"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ProbeConfig contains echo probe settings.
type ProbeConfig struct {
	Timeout              time.Duration `yaml:"timeout"`                // reply deadline per probe
	Interval             time.Duration `yaml:"interval"`               // spacing between probes
	Count                int           `yaml:"count"`                  // probes per run
	PayloadSize          int           `yaml:"payload_size"`           // echo payload bytes
	TTL                  int           `yaml:"ttl"`                    // 0 = OS default
	RejectForeignReplies bool          `yaml:"reject_foreign_replies"` // drop spoofed sources
	Privileged           bool          `yaml:"privileged"`             // raw socket instead of dgram
}

// MarshalYAML renders the duration fields in the same human form Parse
// accepts ("2s", "500ms"); yaml.v3 only special-cases time.Duration on
// decode and would otherwise emit raw nanosecond counts.
func (p ProbeConfig) MarshalYAML() (any, error) {
	return struct {
		Timeout              string `yaml:"timeout"`
		Interval             string `yaml:"interval"`
		Count                int    `yaml:"count"`
		PayloadSize          int    `yaml:"payload_size"`
		TTL                  int    `yaml:"ttl"`
		RejectForeignReplies bool   `yaml:"reject_foreign_replies"`
		Privileged           bool   `yaml:"privileged"`
	}{
		Timeout:              p.Timeout.String(),
		Interval:             p.Interval.String(),
		Count:                p.Count,
		PayloadSize:          p.PayloadSize,
		TTL:                  p.TTL,
		RejectForeignReplies: p.RejectForeignReplies,
		Privileged:           p.Privileged,
	}, nil
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig contains the optional Prometheus listener settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Probe: ProbeConfig{
			Timeout:              2 * time.Second,
			Interval:             time.Second,
			Count:                4,
			PayloadSize:          56,
			TTL:                  0,
			RejectForeignReplies: true,
			Privileged:           false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9109",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying defaults and
// expanding environment variable references.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := c.ProbeOptions().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Probe.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("probe.interval must be positive, got %v", c.Probe.Interval))
	}
	if c.Probe.Count <= 0 {
		errs = append(errs, fmt.Sprintf("probe.count must be positive, got %d", c.Probe.Count))
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ProbeOptions maps the probe section onto engine options.
func (c *Config) ProbeOptions() icmp.Options {
	return icmp.Options{
		Timeout:              c.Probe.Timeout,
		PayloadSize:          c.Probe.PayloadSize,
		TTL:                  c.Probe.TTL,
		RejectForeignReplies: c.Probe.RejectForeignReplies,
		Privileged:           c.Probe.Privileged,
	}
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
