package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// dockerAPI is the subset of the Docker client the controller uses.
// *client.Client satisfies it; tests substitute a mock.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerController implements Controller against a Docker-compatible daemon.
type DockerController struct {
	logger *zap.Logger
	config Config
	api    dockerAPI
}

// DockerControllerOption defines a functional option for DockerController
type DockerControllerOption func(*DockerController)

// WithDockerAPI sets the daemon client for DockerController
func WithDockerAPI(api dockerAPI) DockerControllerOption {
	return func(d *DockerController) {
		d.api = api
	}
}

// NewDockerController creates a controller connected to the daemon at
// daemonHost, or the environment's default daemon when daemonHost is empty.
func NewDockerController(logger *zap.Logger, cfg Config, daemonHost string, opts ...DockerControllerOption) (*DockerController, error) {
	d := &DockerController{
		logger: logger,
		config: cfg,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.api == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if daemonHost != "" {
			clientOpts = append(clientOpts, client.WithHost(daemonHost))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create daemon client: %w", err)
		}
		d.api = cli
	}

	return d, nil
}

// Provision creates and starts a sandbox container for the session.
func (d *DockerController) Provision(ctx context.Context, sessionKey string) (Handle, error) {
	if err := d.ensureImage(ctx); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrProvision, err)
	}

	// The session's writable area on the host side. The daemon would create
	// a missing bind source itself, but uploads are written here directly.
	hostDir := filepath.Join(d.config.HostDataDir, sessionKey)
	if err := os.MkdirAll(hostDir, 0o777); err != nil {
		return Handle{}, fmt.Errorf("%w: creating session data dir: %v", ErrProvision, err)
	}

	containerCfg := &container.Config{
		Image:      d.config.Image,
		WorkingDir: d.config.ContainerDataDir,
		// Keep the container alive; every execution is a fresh exec process.
		Cmd: []string{"tail", "-f", "/dev/null"},
		Labels: map[string]string{
			LabelManaged: ServiceName,
			LabelSession: sessionKey,
		},
	}

	hostCfg := &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges:true"},
		CapDrop:     []string{"ALL"},
		Resources: container.Resources{
			Memory:     d.config.MemoryMB * 1024 * 1024,
			MemorySwap: d.config.MemoryMB * 1024 * 1024, // same as memory to disable swap
			NanoCPUs:   int64(d.config.CPUs * 1e9),
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: hostDir,
			Target: d.config.ContainerDataDir,
		}},
	}
	if !d.config.NetworkEnabled {
		hostCfg.NetworkMode = "none"
	}

	name := fmt.Sprintf("kernelbox-%s-%s", sessionKey, uuid.New().String()[:8])

	resp, err := d.api.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: creating container: %v", ErrProvision, err)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up the half-made container so no orphan survives the failure.
		_ = d.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("%w: starting container: %v", ErrProvision, err)
	}

	d.logger.Info("sandbox provisioned",
		zap.String("session", sessionKey),
		zap.String("container_id", resp.ID),
		zap.String("image", d.config.Image))

	return Handle{
		ContainerID: resp.ID,
		SessionKey:  sessionKey,
		StartedAt:   time.Now(),
	}, nil
}

// ensureImage pulls the sandbox image if it is not present locally.
func (d *DockerController) ensureImage(ctx context.Context) error {
	if _, _, err := d.api.ImageInspectWithRaw(ctx, d.config.Image); err == nil {
		return nil
	}

	d.logger.Info("pulling sandbox image", zap.String("image", d.config.Image))
	reader, err := d.api.ImagePull(ctx, d.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", d.config.Image, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", d.config.Image, err)
	}
	return nil
}

// RunCommand executes cmd as a fresh process inside the sandbox.
//
// The command is wrapped in coreutils timeout inside the container, which
// kills the process tree at the deadline; the attach context carries a
// grace period on top as a backstop against a wedged daemon.
func (d *DockerController) RunCommand(ctx context.Context, h Handle, cmd []string, timeout time.Duration) (RunResult, error) {
	wrapped := cmd
	if timeout > 0 {
		secs := int(timeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		wrapped = append([]string{"timeout", "-k", "1", strconv.Itoa(secs)}, cmd...)
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout+5*time.Second)
		defer cancel()
	}

	execResp, err := d.api.ContainerExecCreate(execCtx, h.ContainerID, container.ExecOptions{
		Cmd:          wrapped,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   d.config.ContainerDataDir,
	})
	if err != nil {
		if isGone(err) {
			return RunResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return RunResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := d.api.ContainerExecAttach(execCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		if isGone(err) {
			return RunResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return RunResult{}, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	// The copy goroutine owns the output buffers and hands a finished
	// snapshot over the channel, so no path reads them while it writes.
	type execOutput struct {
		stdout string
		stderr string
		err    error
	}
	outputDone := make(chan execOutput, 1)
	go func() {
		var stdoutBuf, stderrBuf strings.Builder
		_, copyErr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader)
		outputDone <- execOutput{stdout: stdoutBuf.String(), stderr: stderrBuf.String(), err: copyErr}
	}()

	var out execOutput
	select {
	case out = <-outputDone:
		if out.err != nil {
			return RunResult{}, fmt.Errorf("failed to read exec output: %w", out.err)
		}
	case <-execCtx.Done():
		// Unblock the copier, then join it for whatever it accumulated.
		attachResp.Close()
		out = <-outputDone
		return d.timeoutResult(out.stdout, out.stderr, timeout), nil
	}

	inspect, err := d.api.ContainerExecInspect(execCtx, execResp.ID)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	if inspect.ExitCode == TimeoutExitCode && timeout > 0 {
		return d.timeoutResult(out.stdout, out.stderr, timeout), nil
	}

	return RunResult{
		Stdout:   out.stdout,
		Stderr:   out.stderr,
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *DockerController) timeoutResult(stdout, stderr string, timeout time.Duration) RunResult {
	if stderr != "" && !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}
	return RunResult{
		Stdout:   stdout,
		Stderr:   stderr + fmt.Sprintf("execution timed out after %s\n", timeout),
		ExitCode: TimeoutExitCode,
		TimedOut: true,
	}
}

// CopyTo places a single file into destDir inside the sandbox.
func (d *DockerController) CopyTo(ctx context.Context, h Handle, destDir, name string, data []byte) error {
	archive, err := singleFileTar(name, data)
	if err != nil {
		return fmt.Errorf("building tar for %s: %w", name, err)
	}

	if err := d.api.CopyToContainer(ctx, h.ContainerID, destDir, archive, container.CopyToContainerOptions{}); err != nil {
		if isGone(err) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("copying %s into sandbox: %w", name, err)
	}
	return nil
}

// ListTracked enumerates every container carrying the recovery label.
func (d *DockerController) ListTracked(ctx context.Context) ([]Handle, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"="+ServiceName))
	containers, err := d.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing tracked containers: %w", err)
	}

	handles := make([]Handle, 0, len(containers))
	for _, c := range containers {
		key := c.Labels[LabelSession]
		if key == "" {
			d.logger.Warn("tracked container without session label", zap.String("container_id", c.ID))
			continue
		}
		handles = append(handles, Handle{
			ContainerID: c.ID,
			SessionKey:  key,
			StartedAt:   time.Unix(c.Created, 0),
		})
	}
	return handles, nil
}

// Terminate stops and removes the sandbox container, tolerating one that
// is already gone.
func (d *DockerController) Terminate(ctx context.Context, h Handle) error {
	stopTimeout := 10
	if err := d.api.ContainerStop(ctx, h.ContainerID, container.StopOptions{Timeout: &stopTimeout}); err != nil && !isGone(err) {
		d.logger.Warn("failed to stop sandbox, forcing removal",
			zap.String("container_id", h.ContainerID), zap.Error(err))
	}

	if err := d.api.ContainerRemove(ctx, h.ContainerID, container.RemoveOptions{Force: true}); err != nil && !isGone(err) {
		return fmt.Errorf("removing container %s: %w", h.ContainerID, err)
	}

	d.logger.Info("sandbox terminated",
		zap.String("session", h.SessionKey),
		zap.String("container_id", h.ContainerID))
	return nil
}

// Ping checks that the daemon is reachable.
func (d *DockerController) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	return nil
}

// Close releases the daemon client.
func (d *DockerController) Close() error {
	return d.api.Close()
}

// isGone reports whether err means the container no longer exists or is
// not running.
func isGone(err error) bool {
	return errdefs.IsNotFound(err) || errdefs.IsConflict(err)
}
