package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds substrate's process-wide settings, loaded from
// $HOME/.substrate/config.yaml. Every field has a zero-value default
// that is safe to run with; the file itself is optional.
type Config struct {
	// TracePath overrides the default trace.jsonl location.
	TracePath string `yaml:"trace_path,omitempty"`
	// Durable fsyncs every span write instead of relying on buffered append.
	Durable bool `yaml:"durable,omitempty"`
	// DepthCap is the configured nesting limit (default 64). It is loaded
	// and defaulted here only: no package reads it, so the shim does not
	// cap depth and emits no depth_capped annotation.
	DepthCap int `yaml:"depth_cap,omitempty"`
	// LogLevel is one of debug/info/warn/error.
	LogLevel string `yaml:"log_level,omitempty"`
	// LogFile additionally mirrors operational logs to a file.
	LogFile string `yaml:"log_file,omitempty"`
	// ApprovalTimeout bounds how long the broker waits on an approval callback.
	ApprovalTimeout time.Duration `yaml:"approval_timeout,omitempty"`
	// WorldProvisionTimeout bounds namespace/cgroup/overlay setup.
	WorldProvisionTimeout time.Duration `yaml:"world_provision_timeout,omitempty"`
	// WorldFallbackToDirect allows direct exec when world provisioning fails.
	WorldFallbackToDirect bool `yaml:"world_fallback_to_direct,omitempty"`
	// AgentSocket overrides the default world-agent socket path.
	AgentSocket string `yaml:"agent_socket,omitempty"`
	// WorldsEnabled routes dispatch through the world agent instead of
	// direct exec (spec §4.H dispatch decision).
	WorldsEnabled bool `yaml:"worlds_enabled,omitempty"`
	// WorldPinDuration is how long an idle world survives before the
	// backend's GC sweep destroys it (spec §4.E garbage collection).
	WorldPinDuration time.Duration `yaml:"world_pin_duration,omitempty"`
}

const (
	DefaultDepthCap              = 64
	DefaultApprovalTimeout       = 60 * time.Second
	DefaultWorldProvisionTimeout = 30 * time.Second
	DefaultAgentSocket           = "/run/substrate.sock"
	DefaultWorldPinDuration      = 10 * time.Minute
)

// Default returns a Config with every field at its documented default.
// Worlds are off by default: a fresh install runs every command as a
// direct child of the shim until the operator opts in.
func Default() *Config {
	return &Config{
		DepthCap:              DefaultDepthCap,
		LogLevel:              "info",
		ApprovalTimeout:       DefaultApprovalTimeout,
		WorldProvisionTimeout: DefaultWorldProvisionTimeout,
		WorldFallbackToDirect: true,
		AgentSocket:           DefaultAgentSocket,
		WorldsEnabled:         false,
		WorldPinDuration:      DefaultWorldPinDuration,
	}
}

// Load reads dir/config.yaml over top of Default(). A missing file is
// not an error — substrate runs fine with defaults alone.
func Load(dir string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(dir, "config.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.DepthCap <= 0 {
		cfg.DepthCap = DefaultDepthCap
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if cfg.WorldProvisionTimeout <= 0 {
		cfg.WorldProvisionTimeout = DefaultWorldProvisionTimeout
	}
	if cfg.AgentSocket == "" {
		cfg.AgentSocket = DefaultAgentSocket
	}
	if cfg.WorldPinDuration <= 0 {
		cfg.WorldPinDuration = DefaultWorldPinDuration
	}
	return cfg, nil
}

// Save writes cfg to dir/config.yaml, creating dir if needed.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}
