package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kernelbox/kernelbox/config"
)

// NewController creates the sandbox controller selected by the configuration.
//
// The podman backend speaks the same API as Docker; it only needs
// sandbox.daemon_host pointed at the Podman socket.
func NewController(logger *zap.Logger, cfg *config.Config) (Controller, error) {
	controllerCfg := Config{
		Image:            cfg.Sandbox.Image,
		MemoryMB:         cfg.Sandbox.MemoryMB,
		CPUs:             cfg.Sandbox.CPUs,
		NetworkEnabled:   cfg.Sandbox.NetworkEnabled,
		HostDataDir:      cfg.Data.HostDir,
		ContainerDataDir: cfg.Data.ContainerDir,
	}

	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerController(logger, controllerCfg, cfg.Sandbox.DaemonHost)
	case "podman":
		if cfg.Sandbox.DaemonHost == "" {
			return nil, fmt.Errorf("podman backend requires sandbox.daemon_host")
		}
		return NewDockerController(logger, controllerCfg, cfg.Sandbox.DaemonHost)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
