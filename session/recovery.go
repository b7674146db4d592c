package session

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/kernelbox/kernelbox/config"
	"github.com/kernelbox/kernelbox/sandbox"
)

// Recovery rebuilds the session registry from container labels after a
// restart. The label set on every provisioned container is the only
// durable record of ownership; nothing is persisted by this process.
type Recovery struct {
	logger   *zap.Logger
	ctrl     sandbox.Controller
	registry *Registry
	hostDir  string
}

// NewRecovery creates a Recovery over the controller and registry.
func NewRecovery(logger *zap.Logger, ctrl sandbox.Controller, registry *Registry, cfg *config.Config) *Recovery {
	return &Recovery{
		logger:   logger,
		ctrl:     ctrl,
		registry: registry,
		hostDir:  cfg.Data.HostDir,
	}
}

// Recover enumerates every labeled container, re-adopts at most one per
// session key, and removes the rest. When a key somehow has several
// containers the newest survives. Files already in the session's writable
// area are re-registered under fresh ids.
//
// Stopped containers are adopted like running ones; the first execution
// against one fails unavailable and replaces it, so recovery itself never
// starts anything.
func (r *Recovery) Recover(ctx context.Context) error {
	handles, err := r.ctrl.ListTracked(ctx)
	if err != nil {
		return err
	}

	byKey := make(map[string][]sandbox.Handle)
	for _, h := range handles {
		byKey[h.SessionKey] = append(byKey[h.SessionKey], h)
	}

	adopted := 0
	for key, group := range byKey {
		sort.Slice(group, func(i, j int) bool {
			return group[i].StartedAt.After(group[j].StartedAt)
		})

		for _, dup := range group[1:] {
			r.logger.Warn("removing duplicate sandbox",
				zap.String("session", key),
				zap.String("container_id", dup.ContainerID))
			if err := r.ctrl.Terminate(ctx, dup); err != nil {
				r.logger.Warn("failed to remove duplicate sandbox",
					zap.String("session", key),
					zap.String("container_id", dup.ContainerID),
					zap.Error(err))
			}
		}

		keep := group[0]
		files, err := r.registry.Adopt(keep)
		if err != nil {
			r.logger.Warn("adopting recovered sandbox",
				zap.String("session", key),
				zap.Error(err))
			continue
		}
		r.reindexFiles(key, files)
		adopted++

		r.logger.Info("recovered session",
			zap.String("session", key),
			zap.String("container_id", keep.ContainerID),
			zap.Time("started_at", keep.StartedAt))
	}

	r.logger.Info("recovery complete",
		zap.Int("containers", len(handles)),
		zap.Int("sessions", adopted))
	return nil
}

// reindexFiles registers everything already present in the session's
// writable area so the files survive the restart under new ids.
func (r *Recovery) reindexFiles(key string, files *FileMap) {
	sessionDir := filepath.Join(r.hostDir, key)
	err := filepath.WalkDir(sessionDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sessionDir, p)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		files.Register(filepath.ToSlash(rel), info.ModTime())
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("reindexing session files",
			zap.String("session", key),
			zap.Error(err))
	}
}
