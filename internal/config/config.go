// Package config loads mergeplane configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/mergeplane/internal/executor"
	"github.com/fentz26/mergeplane/internal/scheduler"
)

// Environment variables overriding file values.
const (
	EnvRPCTimeoutMS    = "MERGEPLANE_RPC_TIMEOUT_MS"
	EnvBackoffWindowMS = "MERGEPLANE_BACKOFF_WINDOW_MS"
	EnvAdminAddr       = "MERGEPLANE_ADMIN_ADDR"
	EnvTempBuildRoot   = "MERGEPLANE_TEMP_BUILD_ROOT"
)

// Config holds mergeplane configuration.
type Config struct {
	// RPCTimeoutMS is the per-call expiry of every admin RPC.
	RPCTimeoutMS int `yaml:"rpc_timeout_ms"`
	// BackoffWindowMS is the upper bound of a randomized retry sleep.
	BackoffWindowMS int `yaml:"backoff_window_ms"`
	// AdminAddr is the base URL remote controllers reach the admin on.
	AdminAddr string `yaml:"admin_addr"`
	// ListenAddr is where the admin daemon serves.
	ListenAddr string `yaml:"listen_addr"`
	// DBPath is the admin's SQLite database.
	DBPath string `yaml:"db_path"`
	// TempBuildRoot, when set, is where local merges read their sources from.
	TempBuildRoot string `yaml:"temp_build_root"`
	// TableKind selects the operation factory and plan creator.
	TableKind string `yaml:"table_kind"`

	Executor  executor.Config  `yaml:"executor"`
	Scheduler scheduler.Config `yaml:"scheduler"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		RPCTimeoutMS:    30000,
		BackoffWindowMS: 10000,
		AdminAddr:       "http://127.0.0.1:7477",
		ListenAddr:      "127.0.0.1:7477",
		DBPath:          defaultDBPath(),
		TableKind:       "index",
		Executor:        *executor.DefaultConfig(),
		Scheduler:       *scheduler.DefaultConfig(),
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mergeplane.db"
	}
	return filepath.Join(home, ".mergeplane", "mergeplane.db")
}

// LoadConfig loads configuration from a YAML file and applies environment overrides.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes configuration to a YAML file, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from MERGEPLANE_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvRPCTimeoutMS); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRPCTimeoutMS, err)
		}
		c.RPCTimeoutMS = n
	}
	if v := os.Getenv(EnvBackoffWindowMS); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBackoffWindowMS, err)
		}
		c.BackoffWindowMS = n
	}
	if v := os.Getenv(EnvAdminAddr); v != "" {
		c.AdminAddr = v
	}
	if v := os.Getenv(EnvTempBuildRoot); v != "" {
		c.TempBuildRoot = v
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.RPCTimeoutMS < 1 {
		return fmt.Errorf("rpc_timeout_ms must be at least 1")
	}
	if c.BackoffWindowMS < 1 {
		return fmt.Errorf("backoff_window_ms must be at least 1")
	}
	if c.TableKind == "" {
		return fmt.Errorf("table_kind is required")
	}
	if c.Executor.Parallelism < 1 {
		return fmt.Errorf("executor.parallelism must be at least 1")
	}
	if c.Executor.MemoryQuota < 1 {
		return fmt.Errorf("executor.memory_quota must be at least 1")
	}
	if c.Scheduler.GlobalMax < 1 {
		return fmt.Errorf("scheduler.global_max must be at least 1")
	}
	return nil
}

// RPCTimeout returns the per-call RPC expiry.
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMS) * time.Millisecond
}

// BackoffWindow returns the retry backoff window.
func (c *Config) BackoffWindow() time.Duration {
	return time.Duration(c.BackoffWindowMS) * time.Millisecond
}
