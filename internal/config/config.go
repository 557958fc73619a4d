// Package config provides configuration management for glue.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the application configuration structure.
type Config struct {
	Hosts           string        `mapstructure:"hosts"`            // Comma-separated target specifications
	HostFile        string        `mapstructure:"hostfile"`         // Path to file containing target specifications
	Inventory       string        `mapstructure:"inventory"`        // Path to YAML/JSON inventory file
	Exclude         string        `mapstructure:"exclude"`          // Comma-separated hosts or @groups to exclude
	Filter          string        `mapstructure:"filter"`           // Target filter expression
	Concurrency     string        `mapstructure:"concurrency"`      // Concurrency limit ("auto" or number)
	MaxSessions     int           `mapstructure:"max-sessions"`     // Hard cap on concurrently open sessions
	Retries         int           `mapstructure:"retries"`          // Maximum attempts per target
	RetryBaseDelay  time.Duration `mapstructure:"retry-base-delay"` // First backoff delay
	RetryMultiplier float64       `mapstructure:"retry-multiplier"` // Backoff growth factor
	RetryMaxDelay   time.Duration `mapstructure:"retry-max-delay"`  // Backoff ceiling
	ConnectTimeout  time.Duration `mapstructure:"connect-timeout"`  // Per-dial timeout
	TargetTimeout   time.Duration `mapstructure:"target-timeout"`   // Per-target execution timeout
	TransferTimeout time.Duration `mapstructure:"transfer-timeout"` // Per-target file transfer timeout (0 = target-timeout)
	Keepalive       time.Duration `mapstructure:"keepalive"`        // Session keepalive probe interval (0 = disabled)
	Output          string        `mapstructure:"output"`           // Output format (streamed, buffered, json)
	Quiet           bool          `mapstructure:"quiet"`            // Suppress non-error output
	LogLevel        string        `mapstructure:"log-level"`        // Log level (debug, info, warn, error)
	LogFormat       string        `mapstructure:"log-format"`       // Log format (json, text)
	ShowProgress    bool          `mapstructure:"progress"`         // Show progress while running
	ShowStats       bool          `mapstructure:"stats"`            // Show summary statistics
}

// Manager defines the interface for configuration management.
type Manager interface {
	// Load reads configuration from all sources (files, env vars, CLI flags).
	Load() (*Config, error)

	// BindFlags wires CLI flags into the configuration precedence chain.
	BindFlags(flags *pflag.FlagSet) error

	// Validate ensures configuration values are valid and consistent.
	Validate(config *Config) error
}

// ViperManager implements the Manager interface using Viper.
type ViperManager struct {
	v *viper.Viper
}

// NewManager creates a new configuration manager.
func NewManager() *ViperManager {
	return &ViperManager{
		v: viper.New(),
	}
}

func (m *ViperManager) setDefaults() {
	m.v.SetDefault("concurrency", "auto")
	m.v.SetDefault("max-sessions", 0)
	m.v.SetDefault("retries", 3)
	m.v.SetDefault("retry-base-delay", time.Second)
	m.v.SetDefault("retry-multiplier", 2.0)
	m.v.SetDefault("retry-max-delay", 30*time.Second)
	m.v.SetDefault("connect-timeout", 10*time.Second)
	m.v.SetDefault("target-timeout", 60*time.Second)
	m.v.SetDefault("transfer-timeout", time.Duration(0))
	m.v.SetDefault("keepalive", 15*time.Second)
	m.v.SetDefault("output", "streamed")
	m.v.SetDefault("quiet", false)
	m.v.SetDefault("log-level", "info")
	m.v.SetDefault("log-format", "text")
	m.v.SetDefault("progress", false)
	m.v.SetDefault("stats", false)
}

// BindFlags wires CLI flags into the precedence chain: flags beat
// environment variables, which beat config files, which beat defaults.
func (m *ViperManager) BindFlags(flags *pflag.FlagSet) error {
	return m.v.BindPFlags(flags)
}

// Load reads configuration from all sources with proper precedence.
func (m *ViperManager) Load() (*Config, error) {
	m.setDefaults()

	m.v.SetConfigName("config")

	// Current directory has highest file precedence, system dir lowest.
	m.v.AddConfigPath(".")
	if homeDir, err := os.UserHomeDir(); err == nil {
		m.v.AddConfigPath(filepath.Join(homeDir, ".config", "glue"))
	}
	m.v.AddConfigPath("/etc/glue/")

	m.v.SetEnvPrefix("GLUE")
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	m.v.AutomaticEnv()

	for _, format := range []string{"yaml", "yml", "json", "toml"} {
		m.v.SetConfigType(format)
		if err := m.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading %s config file: %w", format, err)
			}
			continue
		}
		break
	}

	var config Config
	if err := m.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := m.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate ensures configuration values are valid and consistent.
func (m *ViperManager) Validate(config *Config) error {
	if config.Concurrency != "auto" {
		n, err := strconv.Atoi(config.Concurrency)
		if err != nil {
			return fmt.Errorf("invalid concurrency value '%s': must be 'auto' or a positive integer", config.Concurrency)
		}
		if n <= 0 {
			return fmt.Errorf("concurrency must be positive, got %d", n)
		}
	}

	if config.MaxSessions < 0 {
		return fmt.Errorf("max-sessions must be non-negative, got %d", config.MaxSessions)
	}
	if config.Retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", config.Retries)
	}
	if config.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry-base-delay must be positive, got %v", config.RetryBaseDelay)
	}
	if config.RetryMultiplier < 1 {
		return fmt.Errorf("retry-multiplier must be at least 1, got %v", config.RetryMultiplier)
	}
	if config.RetryMaxDelay < config.RetryBaseDelay {
		return fmt.Errorf("retry-max-delay %v is below retry-base-delay %v", config.RetryMaxDelay, config.RetryBaseDelay)
	}

	if config.ConnectTimeout <= 0 {
		return fmt.Errorf("connect-timeout must be positive, got %v", config.ConnectTimeout)
	}
	if config.TargetTimeout <= 0 {
		return fmt.Errorf("target-timeout must be positive, got %v", config.TargetTimeout)
	}
	if config.TransferTimeout < 0 {
		return fmt.Errorf("transfer-timeout must be non-negative, got %v", config.TransferTimeout)
	}
	if config.Keepalive < 0 {
		return fmt.Errorf("keepalive must be non-negative, got %v", config.Keepalive)
	}

	validOutputs := map[string]bool{
		"streamed": true,
		"buffered": true,
		"json":     true,
	}
	if !validOutputs[config.Output] {
		return fmt.Errorf("invalid output format '%s': must be one of 'streamed', 'buffered', or 'json'", config.Output)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level '%s': must be one of 'debug', 'info', 'warn', or 'error'", config.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[config.LogFormat] {
		return fmt.Errorf("invalid log format '%s': must be 'json' or 'text'", config.LogFormat)
	}

	return nil
}

// ConcurrencyLimit resolves the configured concurrency to a number; 0
// means the caller should derive an automatic limit.
func (c *Config) ConcurrencyLimit() int {
	if c.Concurrency == "auto" {
		return 0
	}
	n, err := strconv.Atoi(c.Concurrency)
	if err != nil {
		return 0
	}
	return n
}
