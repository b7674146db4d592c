package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Data     DataConfig     `mapstructure:"data"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds per-sandbox container configuration
type SandboxConfig struct {
	Backend        string  `mapstructure:"backend"`
	DaemonHost     string  `mapstructure:"daemon_host"`
	Image          string  `mapstructure:"image"`
	Interpreter    string  `mapstructure:"interpreter"`
	MemoryMB       int64   `mapstructure:"memory_mb"`
	CPUs           float64 `mapstructure:"cpus"`
	NetworkEnabled bool    `mapstructure:"network_enabled"`
	TimeoutSec     int     `mapstructure:"timeout_sec"`
	ProvisionBurst int64   `mapstructure:"provision_burst"`
	PrefixCode     string  `mapstructure:"prefix_code"`
	PostfixCode    string  `mapstructure:"postfix_code"`
}

// SessionsConfig holds session registry configuration
type SessionsConfig struct {
	MaxSessions     int `mapstructure:"max_sessions"`
	IdleTTLSec      int `mapstructure:"idle_ttl_sec"`
	ReapIntervalSec int `mapstructure:"reap_interval_sec"`
}

// DataConfig holds the session data directory pair. HostDir is the path as
// seen by this process; ContainerDir is the path the same directory is bind
// mounted at inside a sandbox. The two are never interchangeable.
type DataConfig struct {
	HostDir      string `mapstructure:"host_dir"`
	ContainerDir string `mapstructure:"container_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("KERNELBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.daemon_host", "")
	viper.SetDefault("sandbox.image", "kernelbox-runtime:latest")
	viper.SetDefault("sandbox.interpreter", "python3")
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.cpus", 0.5)
	viper.SetDefault("sandbox.network_enabled", false)
	viper.SetDefault("sandbox.timeout_sec", 30)
	viper.SetDefault("sandbox.provision_burst", 4)
	viper.SetDefault("sandbox.prefix_code", "")
	viper.SetDefault("sandbox.postfix_code", "")

	viper.SetDefault("sessions.max_sessions", 20)
	viper.SetDefault("sessions.idle_ttl_sec", 3600)
	viper.SetDefault("sessions.reap_interval_sec", 300)

	viper.SetDefault("data.host_dir", "/var/lib/kernelbox/data")
	viper.SetDefault("data.container_dir", "/mnt/data")

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}

	if c.Sandbox.Interpreter == "" {
		return fmt.Errorf("sandbox.interpreter must not be empty")
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %g", c.Sandbox.CPUs)
	}

	if c.Sandbox.ProvisionBurst <= 0 {
		return fmt.Errorf("sandbox.provision_burst must be positive, got: %d", c.Sandbox.ProvisionBurst)
	}

	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("sessions.max_sessions must be positive, got: %d", c.Sessions.MaxSessions)
	}

	if c.Sessions.IdleTTLSec <= 0 {
		return fmt.Errorf("sessions.idle_ttl_sec must be positive, got: %d", c.Sessions.IdleTTLSec)
	}

	if c.Sessions.ReapIntervalSec <= 0 {
		return fmt.Errorf("sessions.reap_interval_sec must be positive, got: %d", c.Sessions.ReapIntervalSec)
	}

	if !filepath.IsAbs(c.Data.HostDir) {
		return fmt.Errorf("data.host_dir must be an absolute path, got: %s", c.Data.HostDir)
	}

	if !filepath.IsAbs(c.Data.ContainerDir) {
		return fmt.Errorf("data.container_dir must be an absolute path, got: %s", c.Data.ContainerDir)
	}

	if filepath.Clean(c.Data.HostDir) == filepath.Clean(c.Data.ContainerDir) {
		return fmt.Errorf("data.host_dir and data.container_dir must be distinct paths, both are: %s", c.Data.HostDir)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// ExecTimeout returns the default execution timeout as a duration
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// IdleTTL returns the session idle TTL as a duration
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Sessions.IdleTTLSec) * time.Second
}

// ReapInterval returns the reaper sweep interval as a duration
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Sessions.ReapIntervalSec) * time.Second
}
