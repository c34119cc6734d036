// Package config provides centralized configuration management using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the ACP adapter core.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`

	// Transport selects how the adapter is wired to its client: "stdio" for
	// newline-delimited JSON over stdin/stdout, "http" for one-shot JSON
	// bodies over HTTP.
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPAddr  string `mapstructure:"http_addr" yaml:"http_addr"`

	Terminal  TerminalConfig  `mapstructure:"terminal" yaml:"terminal"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Assistant AssistantConfig `mapstructure:"assistant" yaml:"assistant"`

	// PermissionTimeoutSeconds bounds an interactive permission request
	// before it is auto-rejected.
	PermissionTimeoutSeconds int `mapstructure:"permission_timeout_seconds" yaml:"permission_timeout_seconds"`
}

// AssistantConfig names the upstream ACP-speaking assistant process this
// adapter bridges prompts to (internal/agentbridge).
type AssistantConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

// TerminalConfig configures the terminal subsystem's policy.
type TerminalConfig struct {
	Enabled                bool     `mapstructure:"enabled" yaml:"enabled"`
	MaxConcurrentTerminals int      `mapstructure:"max_concurrent_terminals" yaml:"max_concurrent_terminals"`
	AllowedCommands        []string `mapstructure:"allowed_commands" yaml:"allowed_commands"`
	ForbiddenCommands      []string `mapstructure:"forbidden_commands" yaml:"forbidden_commands"`
	DefaultOutputByteLimit int      `mapstructure:"default_output_byte_limit" yaml:"default_output_byte_limit"`
	MaxOutputByteLimit     int      `mapstructure:"max_output_byte_limit" yaml:"max_output_byte_limit"`
}

// Validate enforces the "configuration validation is tolerant" rule: a
// terminal subsystem that is enabled but misconfigured is an error; one
// that simply hasn't been configured yet is not.
func (t TerminalConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.MaxConcurrentTerminals <= 0 {
		return fmt.Errorf("terminal.max_concurrent_terminals must be > 0 when terminal is enabled")
	}
	if t.MaxOutputByteLimit <= 0 {
		return fmt.Errorf("terminal.max_output_byte_limit must be > 0 when terminal is enabled")
	}
	if t.DefaultOutputByteLimit > t.MaxOutputByteLimit {
		return fmt.Errorf("terminal.default_output_byte_limit cannot exceed max_output_byte_limit")
	}
	return nil
}

// PoolConfig configures a generic connection pool instance.
type PoolConfig struct {
	MaxConnections      int `mapstructure:"max_connections" yaml:"max_connections"`
	MaxIdleTimeSeconds  int `mapstructure:"max_idle_time_seconds" yaml:"max_idle_time_seconds"`
	AcquireTimeoutMS    int `mapstructure:"acquire_timeout_ms" yaml:"acquire_timeout_ms"`
	IdleReapIntervalSec int `mapstructure:"idle_reap_interval_seconds" yaml:"idle_reap_interval_seconds"`
}

// Load loads configuration with full precedence:
// CLI flags > ENV vars > project config > XDG global config > defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("acp-adapter")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("transport", "stdio")
	v.SetDefault("http_addr", "127.0.0.1:8765")
	v.SetDefault("permission_timeout_seconds", 300)

	v.SetDefault("terminal.enabled", false)
	v.SetDefault("terminal.max_concurrent_terminals", 8)
	v.SetDefault("terminal.allowed_commands", []string{})
	v.SetDefault("terminal.forbidden_commands", []string{})
	v.SetDefault("terminal.default_output_byte_limit", 1<<20)
	v.SetDefault("terminal.max_output_byte_limit", 10<<20)

	v.SetDefault("pool.max_connections", 10)
	v.SetDefault("pool.max_idle_time_seconds", 300)
	v.SetDefault("pool.acquire_timeout_ms", 5000)
	v.SetDefault("pool.idle_reap_interval_seconds", 30)

	v.SetDefault("assistant.command", "")
	v.SetDefault("assistant.args", []string{})

	// Setup ENV binding with ACP_ADAPTER_ prefix
	v.SetEnvPrefix("ACP_ADAPTER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Explicit ENV bindings for better bool/int parsing
	for _, key := range []string{"log_level", "log_file", "transport", "http_addr", "permission_timeout_seconds"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	// Load global config first (if exists)
	globalPath := GlobalPath()
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}

	// Merge project config on top (if exists)
	projectPath := ProjectPath()
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Terminal.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns the XDG global config path.
// Returns ~/.config/acp-adapter/acp-adapter.yml or $XDG_CONFIG_HOME/acp-adapter/acp-adapter.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "acp-adapter", "acp-adapter.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "acp-adapter", "acp-adapter.yml")
}

// ProjectPath returns the project-local config path.
// Returns ./acp-adapter.yml in the current working directory.
func ProjectPath() string {
	return "acp-adapter.yml"
}

// WriteGlobal writes the config to the XDG global location.
func WriteGlobal(cfg *Config) error {
	path := GlobalPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// WriteProject writes the config to the project-local location.
func WriteProject(cfg *Config) error {
	path := ProjectPath()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
