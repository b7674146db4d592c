package sandbox

import (
	"context"
	"errors"
	"time"
)

// Labels applied to every container this service creates. They are the
// durable ground truth the registry is rebuilt from at startup.
const (
	LabelManaged = "kernelbox.managed"
	LabelSession = "kernelbox.session"

	// ServiceName is the value of the LabelManaged label.
	ServiceName = "kernelbox"
)

// TimeoutExitCode is reported when a command is killed at its deadline,
// following the coreutils timeout convention.
const TimeoutExitCode = 124

// Controller errors. Callers classify with errors.Is; the daemon-level
// cause is wrapped underneath.
var (
	// ErrProvision indicates the container runtime could not create or
	// start a sandbox (daemon unreachable, image missing).
	ErrProvision = errors.New("sandbox provisioning failed")

	// ErrUnavailable indicates the sandbox container is gone or no longer
	// running. The registry reacts by recreating the session's sandbox.
	ErrUnavailable = errors.New("sandbox unavailable")
)

// Handle identifies one live sandbox container and the session that owns it.
type Handle struct {
	ContainerID string
	SessionKey  string
	StartedAt   time.Time
}

// RunResult represents the outcome of one command run inside a sandbox.
// A deadline overrun is a result, not an error: TimedOut is set, ExitCode
// is TimeoutExitCode, and the sandbox itself stays up.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Config holds the container parameters shared by every sandbox the
// controller provisions.
type Config struct {
	Image            string
	MemoryMB         int64
	CPUs             float64
	NetworkEnabled   bool
	HostDataDir      string
	ContainerDataDir string
}

// Controller is a thin capability over a container runtime. It owns raw
// container handles and nothing else: serialization of calls per session
// is the registry's job, not the controller's.
type Controller interface {
	// Provision creates and starts a sandbox container for the session,
	// with the recovery label set, resource limits, and the session's
	// writable area bind mounted. Fails with ErrProvision.
	Provision(ctx context.Context, sessionKey string) (Handle, error)

	// RunCommand executes cmd as a fresh process inside the existing
	// sandbox and returns its demultiplexed output. The timeout is a hard
	// wall-clock deadline; on overrun the in-sandbox process is killed and
	// a TimedOut result is returned with a nil error. Fails with
	// ErrUnavailable if the container is gone or stopped.
	RunCommand(ctx context.Context, h Handle, cmd []string, timeout time.Duration) (RunResult, error)

	// CopyTo places a single file into destDir inside the sandbox.
	CopyTo(ctx context.Context, h Handle, destDir, name string, data []byte) error

	// ListTracked enumerates every container carrying the recovery label,
	// running or stopped. Used only by startup recovery.
	ListTracked(ctx context.Context) ([]Handle, error)

	// Terminate stops and removes the sandbox container. A container that
	// is already gone counts as success.
	Terminate(ctx context.Context, h Handle) error

	// Ping checks that the container runtime daemon is reachable.
	Ping(ctx context.Context) error

	// Close releases the runtime client.
	Close() error
}
