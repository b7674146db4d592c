package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Sandbox: SandboxConfig{
			Backend:        "docker",
			Image:          "kernelbox-runtime:latest",
			Interpreter:    "python3",
			MemoryMB:       512,
			CPUs:           0.5,
			NetworkEnabled: false,
			TimeoutSec:     30,
			ProvisionBurst: 4,
		},
		Sessions: SessionsConfig{
			MaxSessions:     20,
			IdleTTLSec:      3600,
			ReapIntervalSec: 300,
		},
		Data: DataConfig{
			HostDir:      "/var/lib/kernelbox/data",
			ContainerDir: "/mnt/data",
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		cfg := validConfig()
		err := cfg.validate()
		require.NoError(t, err)
	})

	t.Run("InvalidServerTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "invalid"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server.transport")
	})

	t.Run("UnsupportedBackend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "local"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.backend")
	})

	t.Run("PodmanBackendAllowed", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "podman"
		cfg.Sandbox.DaemonHost = "unix:///run/podman/podman.sock"

		require.NoError(t, cfg.validate())
	})

	t.Run("InvalidSandboxTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.TimeoutSec = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.timeout_sec must be positive")
	})

	t.Run("InvalidSandboxMemory", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.MemoryMB = -1

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.memory_mb must be positive")
	})

	t.Run("InvalidCPUQuota", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.CPUs = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.cpus must be positive")
	})

	t.Run("InvalidMaxSessions", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sessions.MaxSessions = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sessions.max_sessions must be positive")
	})

	t.Run("InvalidIdleTTL", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sessions.IdleTTLSec = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sessions.idle_ttl_sec must be positive")
	})

	t.Run("RelativeHostDir", func(t *testing.T) {
		cfg := validConfig()
		cfg.Data.HostDir = "data"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "data.host_dir must be an absolute path")
	})

	t.Run("ConflatedDataDirs", func(t *testing.T) {
		// The host-visible path and the in-container path must never be
		// the same value.
		cfg := validConfig()
		cfg.Data.HostDir = "/mnt/data"
		cfg.Data.ContainerDir = "/mnt/data"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be distinct")
	})

	t.Run("InvalidLoggingMode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Mode = "invalid_mode"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.mode")
	})

	t.Run("InvalidLogLevel", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Level = "invalid_level"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.level")
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, "30s", cfg.ExecTimeout().String())
	assert.Equal(t, "1h0m0s", cfg.IdleTTL().String())
	assert.Equal(t, "5m0s", cfg.ReapInterval().String())
}
