// Package main is the entry point for the Kernelbox MCP server.
//
// Kernelbox is a stateful sandboxed code interpreter exposed over the Model
// Context Protocol (MCP). Each session owns an isolated container with
// resource limits and a bind-mounted working directory; code executions,
// file uploads, and downloads all address the session by an opaque
// identifier. Sessions survive server restarts through container labels
// and are reaped after a configurable idle TTL.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/kernelbox/kernelbox/config"
	"github.com/kernelbox/kernelbox/logger"
	"github.com/kernelbox/kernelbox/mcpserver"
	"github.com/kernelbox/kernelbox/sandbox"
	"github.com/kernelbox/kernelbox/session"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Container runtime controller based on config
			sandbox.NewController,

			// Session core
			session.NewRegistry,
			session.NewDispatcher,
			session.NewReaper,
			session.NewRecovery,
			func(d *session.Dispatcher) mcpserver.Dispatcher { return d },

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(run),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// run wires the lifecycle: verify the daemon, recover labeled containers,
// start the reaper, then serve the configured transport.
func run(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	ctrl sandbox.Controller,
	recovery *session.Recovery,
	reaper *session.Reaper,
	srv *mcpserver.Server,
) {
	reaperCtx, stopReaper := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ctrl.Ping(ctx); err != nil {
				return err
			}
			if err := recovery.Recover(ctx); err != nil {
				return err
			}
			go reaper.Run(reaperCtx)

			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := srv.ServeStdio(); err != nil {
						log.Fatal("stdio transport failed", zap.Error(err))
					}
				}()
			case "http":
				go func() {
					if err := srv.ServeHTTP(); err != nil {
						log.Fatal("http transport failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(context.Context) error {
			stopReaper()
			return ctrl.Close()
		},
	})
}
