// Package config loads the scheduler's static bootstrap configuration:
// which State Backend to run, where its data lives, and overrides for
// the default session configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/scheduler-core/pkg/sched/executor"
	"github.com/cuemby/scheduler-core/pkg/sched/task"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

// BackendKind selects which State Backend implementation the scheduler
// runs against.
type BackendKind string

const (
	BackendBoltDB BackendKind = "boltdb"
	BackendRaft   BackendKind = "raft"
)

// Config is the scheduler's static bootstrap configuration.
type Config struct {
	NodeID  string      `yaml:"node_id"`
	Backend BackendKind `yaml:"backend"`
	DataDir string      `yaml:"data_dir"`

	RaftBindAddr  string `yaml:"raft_bind_addr"`
	RaftBootstrap bool   `yaml:"raft_bootstrap"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	TaskMaxAttempts  int           `yaml:"task_max_attempts"`

	MetricsAddr string `yaml:"metrics_addr"`

	// DefaultSessionConfig holds overrides of the built-in session config
	// defaults, merged by SessionDefaults. Keys the scheduler does not
	// recognize are preserved. The run command does not pass these to
	// the Session Manager: new sessions start from
	// types.DefaultSessionConfig plus per-request overrides.
	DefaultSessionConfig map[string]string `yaml:"default_session_config"`
}

// Default returns the scheduler's built-in configuration, used when no
// config file is supplied.
func Default() *Config {
	return &Config{
		NodeID:           "scheduler-1",
		Backend:          BackendBoltDB,
		DataDir:          "./data",
		HeartbeatTimeout: executor.DefaultHeartbeatTimeout,
		TaskMaxAttempts:  task.DefaultMaxAttempts,
		MetricsAddr:      ":9090",
	}
}

// Load reads and parses a YAML config file at path, applying defaults
// for any field the file leaves zero.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Backend == "" {
		cfg.Backend = BackendBoltDB
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = executor.DefaultHeartbeatTimeout
	}
	if cfg.TaskMaxAttempts == 0 {
		cfg.TaskMaxAttempts = task.DefaultMaxAttempts
	}

	return cfg, nil
}

// SessionDefaults merges the scheduler's built-in session config
// defaults with any overrides from the config file.
func (c *Config) SessionDefaults() map[string]string {
	defaults := types.DefaultSessionConfig()
	for k, v := range c.DefaultSessionConfig {
		defaults[k] = v
	}
	defaults[types.ConfigTaskMaxAttempts] = fmt.Sprintf("%d", c.TaskMaxAttempts)
	return defaults
}
