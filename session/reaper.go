package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kernelbox/kernelbox/config"
)

// Reaper periodically retires sessions that have been idle past their TTL.
// Each sweep checks idleness under the session's execution lock, so a
// session that begins executing between the scan and the teardown is
// skipped, never killed mid-run.
type Reaper struct {
	logger   *zap.Logger
	registry *Registry
	ttl      time.Duration
	interval time.Duration
}

// NewReaper creates a Reaper over the registry.
func NewReaper(logger *zap.Logger, registry *Registry, cfg *config.Config) *Reaper {
	return &Reaper{
		logger:   logger,
		registry: registry,
		ttl:      cfg.IdleTTL(),
		interval: cfg.ReapInterval(),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep retires every expired idle session and returns how many it took
// down. Sessions mid-execution are left for the next sweep.
func (r *Reaper) Sweep(ctx context.Context) int {
	reaped := 0
	for _, s := range r.registry.Snapshot() {
		ok, err := r.registry.TerminateIdle(ctx, s.Key, r.ttl)
		if err != nil {
			r.logger.Warn("reaping session",
				zap.String("session", s.Key),
				zap.Error(err))
			continue
		}
		if ok {
			r.logger.Info("reaped idle session",
				zap.String("session", s.Key),
				zap.Duration("ttl", r.ttl))
			reaped++
		}
	}
	return reaped
}
