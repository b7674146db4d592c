// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files with KERNELBOX_-prefixed environment
// overrides. It covers the serving transport, the sandbox container
// parameters, the session registry limits, and the host/container data
// directory pair.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox image: %s\n", cfg.Sandbox.Image)
package config
