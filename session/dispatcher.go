package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kernelbox/kernelbox/config"
	"github.com/kernelbox/kernelbox/sandbox"
)

const (
	scriptDir      = "/tmp"
	cleanupTimeout = 5 * time.Second
)

// ExecResult is the outcome of one code execution, including any files the
// code left behind in the session's writable area.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	NewFiles []FileRecord
}

// Dispatcher runs code and moves files through session sandboxes. It owns
// no session state of its own: every operation acquires the session's
// lease from the registry, so lifecycle transitions and executions can
// never interleave.
type Dispatcher struct {
	logger      *zap.Logger
	ctrl        sandbox.Controller
	registry    *Registry
	interpreter string
	prefixCode  string
	postfixCode string
	execTimeout time.Duration
	hostDir     string

	now func() time.Time
}

// NewDispatcher creates a Dispatcher over the registry and controller.
func NewDispatcher(logger *zap.Logger, ctrl sandbox.Controller, registry *Registry, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		ctrl:        ctrl,
		registry:    registry,
		interpreter: cfg.Sandbox.Interpreter,
		prefixCode:  cfg.Sandbox.PrefixCode,
		postfixCode: cfg.Sandbox.PostfixCode,
		execTimeout: cfg.ExecTimeout(),
		hostDir:     cfg.Data.HostDir,
		now:         time.Now,
	}
}

// Execute runs code in the session's sandbox, provisioning one on first
// touch. A non-positive timeout falls back to the configured default. A
// sandbox that died since the last call (restarted daemon, externally
// removed container) is replaced and the code retried exactly once; a
// second loss is returned to the caller.
//
// A timeout is a result, not an error: the caller gets TimedOut with
// whatever output accumulated, and the session stays usable.
func (d *Dispatcher) Execute(ctx context.Context, key, code string, timeout time.Duration) (ExecResult, error) {
	if strings.TrimSpace(code) == "" {
		return ExecResult{}, fmt.Errorf("%w: empty code", ErrValidation)
	}
	if timeout <= 0 {
		timeout = d.execTimeout
	}

	res, err := d.executeOnce(ctx, key, code, timeout)
	if err != nil && errors.Is(err, sandbox.ErrUnavailable) {
		d.logger.Warn("sandbox lost mid-execution, recreating",
			zap.String("session", key),
			zap.Error(err))
		res, err = d.executeOnce(ctx, key, code, timeout)
	}
	return res, err
}

func (d *Dispatcher) executeOnce(ctx context.Context, key, code string, timeout time.Duration) (ExecResult, error) {
	lease, err := d.registry.Acquire(ctx, key)
	if err != nil {
		return ExecResult{}, err
	}
	h := lease.Handle()

	scriptName := fmt.Sprintf("exec_%s.py", NewExternalID())
	scriptPath := path.Join(scriptDir, scriptName)
	source := d.assembleSource(code)

	if err := d.ctrl.CopyTo(ctx, h, scriptDir, scriptName, []byte(source)); err != nil {
		d.releaseOnError(ctx, lease, err)
		return ExecResult{}, fmt.Errorf("staging script: %w", err)
	}

	run, err := d.ctrl.RunCommand(ctx, h, []string{d.interpreter, scriptPath}, timeout)
	if err != nil {
		d.releaseOnError(ctx, lease, err)
		return ExecResult{}, err
	}

	if _, err := d.ctrl.RunCommand(ctx, h, []string{"rm", "-f", scriptPath}, cleanupTimeout); err != nil {
		d.logger.Debug("script cleanup failed",
			zap.String("session", key),
			zap.Error(err))
	}

	newFiles := d.collectNewFiles(lease)
	lease.Release()

	return ExecResult{
		Stdout:   run.Stdout,
		Stderr:   run.Stderr,
		ExitCode: run.ExitCode,
		TimedOut: run.TimedOut,
		NewFiles: newFiles,
	}, nil
}

// assembleSource surrounds the client's code with the configured prefix
// and postfix snippets.
func (d *Dispatcher) assembleSource(code string) string {
	var b strings.Builder
	if d.prefixCode != "" {
		b.WriteString(d.prefixCode)
		b.WriteString("\n")
	}
	b.WriteString(code)
	if d.postfixCode != "" {
		b.WriteString("\n")
		b.WriteString(d.postfixCode)
	}
	return b.String()
}

// releaseOnError returns the lease, retiring the session when its sandbox
// is gone so the next acquire provisions a fresh one.
func (d *Dispatcher) releaseOnError(ctx context.Context, lease *Lease, err error) {
	if errors.Is(err, sandbox.ErrUnavailable) {
		lease.Terminate(ctx)
		return
	}
	lease.Release()
}

// collectNewFiles diffs the session's writable area on the host against
// the file map and registers anything the execution left behind. Walk
// failures degrade to a partial listing rather than failing the execution.
func (d *Dispatcher) collectNewFiles(lease *Lease) []FileRecord {
	sessionDir := filepath.Join(d.hostDir, lease.SessionKey())
	files := lease.Files()
	now := d.now()

	var records []FileRecord
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
		rec, isNew := files.Register(filepath.ToSlash(rel), now)
		if isNew {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("scanning session files",
			zap.String("session", lease.SessionKey()),
			zap.Error(err))
	}
	return records
}

// Upload places a file into the session's writable area, provisioning the
// sandbox on first touch, and returns its external record. The name is
// reduced to its base component; uploads can never address outside the
// session directory.
func (d *Dispatcher) Upload(ctx context.Context, key, name string, data []byte) (FileRecord, error) {
	name = path.Base(filepath.ToSlash(name))
	if name == "" || name == "." || name == "/" || name == ".." {
		return FileRecord{}, fmt.Errorf("%w: missing file name", ErrValidation)
	}

	rec, err := d.uploadOnce(ctx, key, name, data)
	if err != nil && errors.Is(err, sandbox.ErrUnavailable) {
		d.logger.Warn("sandbox lost during upload, recreating",
			zap.String("session", key),
			zap.Error(err))
		rec, err = d.uploadOnce(ctx, key, name, data)
	}
	return rec, err
}

func (d *Dispatcher) uploadOnce(ctx context.Context, key, name string, data []byte) (FileRecord, error) {
	lease, err := d.registry.Acquire(ctx, key)
	if err != nil {
		return FileRecord{}, err
	}
	h := lease.Handle()

	if err := d.ctrl.CopyTo(ctx, h, lease.Files().containerDir, name, data); err != nil {
		d.releaseOnError(ctx, lease, err)
		return FileRecord{}, err
	}

	rec, _ := lease.Files().Register(name, d.now())
	lease.Release()
	return rec, nil
}

// ListFiles returns the session's tracked files. A session with no live
// entry simply has nothing to list; listing never provisions.
func (d *Dispatcher) ListFiles(key string) []FileRecord {
	files, ok := d.registry.Files(key)
	if !ok {
		return nil
	}
	return files.List()
}

// Download resolves a file by external id or name and returns its record
// together with the host-side path to its content. The sandbox is not
// touched: the writable area is the same directory on both sides of the
// bind mount.
func (d *Dispatcher) Download(key, idOrName string) (FileRecord, string, error) {
	files, ok := d.registry.Files(key)
	if !ok {
		return FileRecord{}, "", fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	rec, err := files.Resolve(idOrName)
	if err != nil {
		return FileRecord{}, "", err
	}

	hostPath := filepath.Join(d.hostDir, key, filepath.FromSlash(rec.Name))
	if _, err := os.Stat(hostPath); err != nil {
		return FileRecord{}, "", fmt.Errorf("%w: %s", ErrFileNotFound, rec.Name)
	}
	return rec, hostPath, nil
}

// Terminate tears the session down. The writable area stays on disk so a
// restart can recover still-running sessions' files; only the container
// and the in-memory state go away.
func (d *Dispatcher) Terminate(ctx context.Context, key string) error {
	return d.registry.Terminate(ctx, key)
}
