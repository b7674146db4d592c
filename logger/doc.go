// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap, providing structured, high-performance logging
// throughout the application.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("registry started", zap.Int("max_sessions", 20))
package logger
