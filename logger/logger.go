package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kernelbox/kernelbox/config"
)

// NewFromConfig builds a logger from the application configuration.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a new logger instance for the given mode and level
func New(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	return cfg.Build()
}
