package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MayankPanda/cppbox/compiler"
	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/metrics"
	"github.com/MayankPanda/cppbox/workspace"
)

// ContainerAPI is the subset of the Docker Engine client used by
// DockerExecutor.
type ContainerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ ContainerAPI = (*client.Client)(nil)

// DockerExecutor implements SandboxExecutor on the Docker Engine API
type DockerExecutor struct {
	logger *zap.Logger
	config *Config
	cli    ContainerAPI
}

// DockerExecutorOption defines a functional option for DockerExecutor
type DockerExecutorOption func(*DockerExecutor)

// WithDockerClient sets the engine client for DockerExecutor
func WithDockerClient(cli ContainerAPI) DockerExecutorOption {
	return func(d *DockerExecutor) {
		d.cli = cli
	}
}

// NewDockerExecutor creates a DockerExecutor. Without WithDockerClient it
// connects to config.DockerHost, or to the DOCKER_* environment when empty.
// The daemon is not contacted here; an unreachable engine surfaces as an
// engine error per request.
func NewDockerExecutor(logger *zap.Logger, config *Config, opts ...DockerExecutorOption) (*DockerExecutor, error) {
	executor := &DockerExecutor{
		logger: logger,
		config: config,
	}

	for _, opt := range opts {
		opt(executor)
	}

	if executor.cli == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if config.DockerHost != "" {
			clientOpts = append(clientOpts, client.WithHost(config.DockerHost))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		executor.cli = cli
	}

	return executor, nil
}

// Execute runs the compiler command in a fresh container
//
//nolint:funlen // linear container lifecycle
func (d *DockerExecutor) Execute(ctx context.Context, desc compiler.Descriptor, ws *workspace.Workspace, timeout time.Duration) (Outcome, error) {
	if err := d.ensureImage(ctx, desc.Image); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, canceled(ctx)
		}
		return Outcome{EngineErr: err}, nil
	}

	var archive io.Reader
	if d.config.MountMode == config.MountCopy {
		buf, err := workspace.Archive(ws, strings.TrimPrefix(MountPath, "/"))
		if err != nil {
			return Outcome{}, err
		}
		archive = buf
	}

	name := containerPrefix + ws.ID
	createCtx, cancelCreate := context.WithTimeout(ctx, d.config.EngineTimeout)
	resp, err := d.cli.ContainerCreate(createCtx, d.containerConfig(desc, ws), d.hostConfig(ws), nil, nil, name)
	cancelCreate()
	if err != nil {
		// the daemon may have created the container before the call failed
		d.teardown(d.logger.With(zap.String("container", name)), name, false)
		if ctx.Err() != nil {
			return Outcome{}, canceled(ctx)
		}
		return Outcome{EngineErr: fmt.Errorf("failed to create container: %w", err)}, nil
	}

	log := d.logger.With(zap.String("container", shortID(resp.ID)), zap.String("workspace", ws.ID))
	kill := false
	defer func() {
		d.teardown(log, resp.ID, kill)
	}()

	if archive != nil {
		copyCtx, cancelCopy := context.WithTimeout(ctx, d.config.EngineTimeout)
		err := d.cli.CopyToContainer(copyCtx, resp.ID, "/", archive, container.CopyToContainerOptions{})
		cancelCopy()
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, canceled(ctx)
			}
			return Outcome{EngineErr: fmt.Errorf("failed to copy workspace: %w", err)}, nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// register the wait before start so a fast exit cannot be missed
	waitCh, errCh := d.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)

	start := time.Now()
	if err := d.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		kill = true
		switch {
		case ctx.Err() != nil:
			return Outcome{}, canceled(ctx)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return Outcome{TimedOut: true, Duration: time.Since(start)}, nil
		}
		return Outcome{EngineErr: fmt.Errorf("failed to start container: %w", err)}, nil
	}
	log.Debug("container started", zap.String("image", desc.Image))

	var exitCode int64
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return Outcome{EngineErr: fmt.Errorf("container wait failed: %s", res.Error.Message)}, nil
		}
		exitCode = res.StatusCode
	case err := <-errCh:
		kill = true
		elapsed := time.Since(start)
		metrics.ContainerRunDuration.WithLabelValues(config.BackendDocker).Observe(elapsed.Seconds())
		switch {
		case ctx.Err() != nil:
			return Outcome{}, canceled(ctx)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			log.Info("execution deadline exceeded", zap.Duration("timeout", timeout))
			return Outcome{TimedOut: true, Duration: elapsed}, nil
		}
		return Outcome{EngineErr: fmt.Errorf("container wait failed: %w", err)}, nil
	}

	elapsed := time.Since(start)
	metrics.ContainerRunDuration.WithLabelValues(config.BackendDocker).Observe(elapsed.Seconds())

	stdout, stderr, err := d.collectLogs(ctx, resp.ID)
	if err != nil {
		return Outcome{EngineErr: err}, nil
	}

	log.Debug("container exited", zap.Int64("exit_code", exitCode), zap.Duration("duration", elapsed))
	return Outcome{
		ExitCode: int(exitCode),
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: elapsed,
	}, nil
}

// Ping checks that the Docker daemon answers.
func (d *DockerExecutor) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Close releases the engine client.
func (d *DockerExecutor) Close() error {
	return d.cli.Close()
}

func (d *DockerExecutor) containerConfig(desc compiler.Descriptor, ws *workspace.Workspace) *container.Config {
	return &container.Config{
		Image:           desc.Image,
		Cmd:             desc.Render(MountPath),
		Env:             desc.EnvList(),
		WorkingDir:      MountPath,
		User:            d.config.User,
		NetworkDisabled: true,
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelWorkspace: ws.ID,
			LabelCompiler:  desc.ID,
		},
	}
}

func (d *DockerExecutor) hostConfig(ws *workspace.Workspace) *container.HostConfig {
	pids := d.config.PidsLimit
	mem := memoryBytes(d.config.MemoryMB)
	logKB := max(1, 2*d.config.MaxOutputBytes/1024)

	hc := &container.HostConfig{
		NetworkMode: network.NetworkNone,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Tmpfs:       map[string]string{"/tmp": tmpfsOptions},
		LogConfig: container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": fmt.Sprintf("%dk", logKB)},
		},
		Resources: container.Resources{
			Memory:     mem,
			MemorySwap: mem, // no swap
			NanoCPUs:   int64(d.config.CPUs * 1e9),
			PidsLimit:  &pids,
		},
	}

	if d.config.MountMode != config.MountCopy {
		hc.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: ws.Dir,
			Target: MountPath,
		}}
		// CopyToContainer needs a writable rootfs, bind mode does not
		hc.ReadonlyRootfs = true
	}
	return hc
}

func (d *DockerExecutor) ensureImage(ctx context.Context, ref string) error {
	inspectCtx, cancelInspect := context.WithTimeout(ctx, d.config.EngineTimeout)
	_, err := d.cli.ImageInspect(inspectCtx, ref)
	cancelInspect()
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	if !d.config.PullImages {
		return fmt.Errorf("image %s is not available and pulling is disabled", ref)
	}

	pullCtx, cancel := context.WithTimeout(ctx, d.config.PullTimeout)
	defer cancel()

	d.logger.Info("pulling image", zap.String("image", ref))
	reader, err := d.cli.ImagePull(pullCtx, ref, image.PullOptions{})
	if err != nil {
		metrics.ImagePulls.WithLabelValues(ref, "error").Inc()
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// the pull only completes once the progress stream is drained
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		metrics.ImagePulls.WithLabelValues(ref, "error").Inc()
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	metrics.ImagePulls.WithLabelValues(ref, "ok").Inc()
	d.logger.Info("successfully pulled image", zap.String("image", ref))
	return nil
}

func (d *DockerExecutor) collectLogs(ctx context.Context, id string) (string, string, error) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.TeardownTimeout)
	defer cancel()

	rc, err := d.cli.ContainerLogs(logCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer rc.Close()

	stdout := &limitedBuffer{limit: d.config.MaxOutputBytes}
	stderr := &limitedBuffer{limit: d.config.MaxOutputBytes}
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return "", "", fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	if stdout.truncated || stderr.truncated {
		d.logger.Info("container output truncated", zap.String("container", shortID(id)), zap.Int("limit_bytes", d.config.MaxOutputBytes))
	}
	return stdout.String(), stderr.String(), nil
}

// teardown kills (when asked) and force-removes the container on a fresh
// context so it runs even after the request context has ended. Each step
// runs regardless of the previous one failing.
func (d *DockerExecutor) teardown(log *zap.Logger, id string, kill bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.TeardownTimeout)
	defer cancel()

	var errs error
	if kill {
		// conflict means the container already stopped
		if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
			errs = multierr.Append(errs, fmt.Errorf("kill: %w", err))
		}
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !cerrdefs.IsNotFound(err) {
		errs = multierr.Append(errs, fmt.Errorf("remove: %w", err))
	}

	if errs != nil {
		metrics.TeardownFailures.WithLabelValues(config.BackendDocker).Inc()
		log.Error("container teardown failed", zap.Error(errs))
		return
	}
	log.Debug("container removed", zap.Bool("killed", kill))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
