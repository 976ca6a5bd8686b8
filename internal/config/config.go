// Package config holds the runtime's configuration surface: every knob a
// server definition, the pool, and the CLI expose, mapstructure-tagged so
// viper can bind flags, env vars, and config files onto one struct, the
// way the teacher's config package does.
package config

import (
	"fmt"
	"strings"
	"time"
)

// ServerDef describes one backing MCP server the pool should manage.
type ServerDef struct {
	Name     string `mapstructure:"name"`
	Kind     string `mapstructure:"kind"` // "http", "websocket", or "stdio"
	Endpoint string `mapstructure:"endpoint"`

	// stdio-only
	Command      string   `mapstructure:"command"`
	Args         []string `mapstructure:"args"`
	EnvWhitelist []string `mapstructure:"env_whitelist"`

	// Credential, read from an env var or file rather than stored inline.
	CredentialEnv  string `mapstructure:"credential_env"`
	CredentialFile string `mapstructure:"credential_file"`

	MaxConnectionsPerServer int           `mapstructure:"max_connections_per_server"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	AcquireTimeout          time.Duration `mapstructure:"acquire_timeout"`

	FailureThreshold  int           `mapstructure:"failure_threshold"`
	OpenDuration      time.Duration `mapstructure:"open_duration"`
	HalfOpenMaxProbes int           `mapstructure:"half_open_max_probes"`

	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
}

// Config is the top-level configuration for the mcprt runtime.
type Config struct {
	Servers []ServerDef `mapstructure:"servers"`

	LoadBalancerStrategy string `mapstructure:"load_balancer_strategy"` // round_robin | random | least_connections | health_weighted

	RetryMaxAttempts       int           `mapstructure:"retry_max_attempts"`
	RetryInitialBackoff    time.Duration `mapstructure:"retry_initial_backoff"`
	RetryMaxBackoff        time.Duration `mapstructure:"retry_max_backoff"`
	RetryBackoffMultiplier float64       `mapstructure:"retry_backoff_multiplier"`
	RetryJitterFraction    float64       `mapstructure:"retry_jitter_fraction"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	EvictionInterval time.Duration `mapstructure:"eviction_interval"`

	Verbose bool `mapstructure:"verbose"`
	Debug   bool `mapstructure:"debug"`
	JSONLog bool `mapstructure:"json_log"`

	ClientName    string `mapstructure:"client_name"`
	ClientVersion string `mapstructure:"client_version"`
}

// Defaults returns a Config with every timing/threshold knob set to the
// values used elsewhere in this runtime's own DefaultConfig/DefaultPolicy
// constructors, so a bare config file only needs to name its servers.
func Defaults() Config {
	return Config{
		LoadBalancerStrategy:   "health_weighted",
		RetryMaxAttempts:       5,
		RetryInitialBackoff:    200 * time.Millisecond,
		RetryMaxBackoff:        30 * time.Second,
		RetryBackoffMultiplier: 2.0,
		RetryJitterFraction:    0.2,
		RequestTimeout:         30 * time.Second,
		EvictionInterval:       30 * time.Second,
		ClientName:             "mcprt",
		ClientVersion:          "0.1.0",
	}
}

// Validate checks the parts of Config that viper/mapstructure cannot
// enforce through struct tags alone.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("config: at least one server must be defined")
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("config: server entry missing name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Kind {
		case "http", "websocket":
			if s.Endpoint == "" {
				return fmt.Errorf("config: server %q of kind %q requires endpoint", s.Name, s.Kind)
			}
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("config: server %q of kind stdio requires command", s.Name)
			}
		default:
			return fmt.Errorf("config: server %q has unknown kind %q", s.Name, s.Kind)
		}
	}
	switch strings.ToLower(c.LoadBalancerStrategy) {
	case "round_robin", "random", "least_connections", "health_weighted":
	default:
		return fmt.Errorf("config: unknown load_balancer_strategy %q", c.LoadBalancerStrategy)
	}
	return nil
}
