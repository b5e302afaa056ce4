// Package config holds the agent configuration: compiled-in defaults, an
// optional YAML file, and the TREZA_*/ENCLAVE_ID environment contract set by
// the enclave launcher. Env always overrides the file; command-line flags
// override both.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Workload types understood by the supervisor.
const (
	WorkloadBatch   = "batch"
	WorkloadService = "service"
	WorkloadDaemon  = "daemon"
)

// AgentConfig holds identity settings.
type AgentConfig struct {
	EnclaveID string `yaml:"enclave_id"`
}

// VsockConfig holds the parent link settings.
type VsockConfig struct {
	Mode         string `yaml:"mode"`           // "vsock" or "tcp" (dev mode against a parent simulator)
	CID          uint32 `yaml:"cid"`            // host context ID
	Port         uint32 `yaml:"port"`
	MaxRetries   int    `yaml:"max_retries"`    // connect attempts before giving up
	RetryDelayS  int    `yaml:"retry_delay_s"`  // spacing between attempts
	StartupWaitS int    `yaml:"startup_wait_s"` // grace before the first attempt, lets the parent bind
}

// ListenersConfig holds the local gateway bind addresses.
type ListenersConfig struct {
	HTTPProxyAddr string `yaml:"http_proxy_addr"`
	KMSAddr       string `yaml:"kms_addr"`
	HealthAddr    string `yaml:"health_addr"`
}

// SupervisorConfig holds the user workload settings.
type SupervisorConfig struct {
	WorkloadType    string `yaml:"workload_type"` // batch, service, daemon
	HealthIntervalS int    `yaml:"health_interval_s"`
	UserCmd         string `yaml:"user_cmd"`
	Entrypoint      string `yaml:"entrypoint"`
	CmdArgs         string `yaml:"cmd_args"`
}

// LoggingConfig holds operational logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Vsock      VsockConfig      `yaml:"vsock"`
	Listeners  ListenersConfig  `yaml:"listeners"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			EnclaveID: "unknown",
		},
		Vsock: VsockConfig{
			Mode:         "vsock",
			CID:          3, // the host, from the enclave's perspective
			Port:         5000,
			MaxRetries:   30,
			RetryDelayS:  10,
			StartupWaitS: 5,
		},
		Listeners: ListenersConfig{
			HTTPProxyAddr: "127.0.0.1:3128",
			KMSAddr:       "127.0.0.1:8000",
			HealthAddr:    "127.0.0.1:8888",
		},
		Supervisor: SupervisorConfig{
			WorkloadType:    WorkloadBatch,
			HealthIntervalS: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "treza",
		},
	}
}

// LoadFromFile loads configuration from a YAML file (JSON parses too).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ENCLAVE_ID"); v != "" {
		cfg.Agent.EnclaveID = v
	}
	if v := os.Getenv("TREZA_WORKLOAD_TYPE"); v != "" {
		cfg.Supervisor.WorkloadType = v
	}
	if v := os.Getenv("TREZA_HEALTH_INTERVAL"); v != "" {
		// Malformed values keep the default.
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.HealthIntervalS = n
		}
	}
	if v := os.Getenv("TREZA_USER_CMD"); v != "" {
		cfg.Supervisor.UserCmd = v
	}
	if v := os.Getenv("TREZA_USER_ENTRYPOINT"); v != "" {
		cfg.Supervisor.Entrypoint = v
	}
	if v := os.Getenv("TREZA_USER_CMD_ARGS"); v != "" {
		cfg.Supervisor.CmdArgs = v
	}
	if v := os.Getenv("TREZA_AGENT_MODE"); v != "" {
		cfg.Vsock.Mode = v
	}
	if v := os.Getenv("TREZA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TREZA_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
