package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MayankPanda/cppbox/compiler"
	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/metrics"
	"github.com/MayankPanda/cppbox/workspace"
)

// podmanEngineExit is the exit status podman uses for its own failures, as
// opposed to the status of the contained program.
const podmanEngineExit = 125

// PodmanExecutor implements SandboxExecutor using the podman CLI. The
// workspace is always bind mounted.
type PodmanExecutor struct {
	logger    *zap.Logger
	config    *Config
	binary    string
	cmdRunner CommandRunner
}

// PodmanExecutorOption defines a functional option for PodmanExecutor
type PodmanExecutorOption func(*PodmanExecutor)

// WithPodmanCommandRunner sets the CommandRunner for PodmanExecutor
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanExecutorOption {
	return func(p *PodmanExecutor) {
		p.cmdRunner = cmdRunner
	}
}

// WithPodmanBinary overrides the podman executable name or path
func WithPodmanBinary(binary string) PodmanExecutorOption {
	return func(p *PodmanExecutor) {
		p.binary = binary
	}
}

// NewPodmanExecutor creates a new PodmanExecutor with default implementations and optional interfaces
func NewPodmanExecutor(logger *zap.Logger, config *Config, opts ...PodmanExecutorOption) *PodmanExecutor {
	executor := &PodmanExecutor{
		logger:    logger,
		config:    config,
		binary:    "podman",
		cmdRunner: &RealCommandRunner{MaxOutputBytes: config.MaxOutputBytes},
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute runs the compiler command in a podman container
func (p *PodmanExecutor) Execute(ctx context.Context, desc compiler.Descriptor, ws *workspace.Workspace, timeout time.Duration) (Outcome, error) {
	if err := p.ensureImage(ctx, desc.Image); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, canceled(ctx)
		}
		return Outcome{EngineErr: err}, nil
	}

	name := containerPrefix + ws.ID
	log := p.logger.With(zap.String("container", name), zap.String("workspace", ws.ID))

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(runCtx, p.runArgs(desc, ws, name))
	elapsed := time.Since(start)
	metrics.ContainerRunDuration.WithLabelValues(config.BackendPodman).Observe(elapsed.Seconds())

	switch {
	case ctx.Err() != nil:
		p.teardown(log, name)
		return Outcome{}, canceled(ctx)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// killing the podman client does not stop the container
		p.teardown(log, name)
		log.Info("execution deadline exceeded", zap.Duration("timeout", timeout))
		return Outcome{TimedOut: true, Duration: elapsed}, nil
	case err != nil:
		p.teardown(log, name)
		return Outcome{EngineErr: fmt.Errorf("failed to run podman: %w", err)}, nil
	case exitCode == podmanEngineExit:
		p.teardown(log, name)
		return Outcome{EngineErr: fmt.Errorf("podman run failed: %s", strings.TrimSpace(stderr))}, nil
	}

	log.Debug("container exited", zap.Int("exit_code", exitCode), zap.Duration("duration", elapsed))
	return Outcome{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: elapsed,
	}, nil
}

// Ping checks that the podman CLI can reach its engine.
func (p *PodmanExecutor) Ping(ctx context.Context) error {
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{p.binary, "version"})
	if err != nil {
		return fmt.Errorf("failed to run podman: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("podman version exited with %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// Close is a no-op; the CLI holds no connection.
func (p *PodmanExecutor) Close() error {
	return nil
}

func (p *PodmanExecutor) runArgs(desc compiler.Descriptor, ws *workspace.Workspace, name string) []string {
	args := []string{
		p.binary, "run",
		"--rm",
		"--name", name,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--memory", fmt.Sprintf("%dm", p.config.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", p.config.MemoryMB),
		"--cpus", fmt.Sprintf("%g", p.config.CPUs),
		"--pids-limit", fmt.Sprintf("%d", p.config.PidsLimit),
		"--user", p.config.User,
		"--tmpfs", "/tmp:" + tmpfsOptions,
		"-v", ws.Dir + ":" + MountPath,
		"--workdir", MountPath,
		"--label", LabelManaged + "=true",
		"--label", LabelWorkspace + "=" + ws.ID,
		"--label", LabelCompiler + "=" + desc.ID,
	}
	for _, kv := range desc.EnvList() {
		args = append(args, "-e", kv)
	}
	args = append(args, desc.Image)
	return append(args, desc.Render(MountPath)...)
}

func (p *PodmanExecutor) ensureImage(ctx context.Context, ref string) error {
	existsCtx, cancel := context.WithTimeout(ctx, p.config.EngineTimeout)
	defer cancel()

	_, stderr, exitCode, err := p.cmdRunner.RunCommand(existsCtx, []string{p.binary, "image", "exists", ref})
	if err == nil && existsCtx.Err() != nil {
		// a killed client exits non-zero, which must not read as "missing"
		err = existsCtx.Err()
	}
	if err != nil {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	if exitCode == 0 {
		return nil
	}
	// exists reports a missing image with 1; anything else is the engine failing
	if exitCode != 1 {
		return fmt.Errorf("failed to inspect image %s: exit %d: %s", ref, exitCode, strings.TrimSpace(stderr))
	}
	if !p.config.PullImages {
		return fmt.Errorf("image %s is not available and pulling is disabled", ref)
	}

	pullCtx, cancel := context.WithTimeout(ctx, p.config.PullTimeout)
	defer cancel()

	p.logger.Info("pulling image", zap.String("image", ref))
	_, stderr, exitCode, err = p.cmdRunner.RunCommand(pullCtx, []string{p.binary, "pull", "--quiet", ref})
	if err == nil && exitCode != 0 {
		err = errors.New(strings.TrimSpace(stderr))
	}
	if err != nil {
		metrics.ImagePulls.WithLabelValues(ref, "error").Inc()
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	metrics.ImagePulls.WithLabelValues(ref, "ok").Inc()
	p.logger.Info("successfully pulled image", zap.String("image", ref))
	return nil
}

// teardown kills and removes the named container on a fresh context. Both
// steps tolerate a container that is already gone.
func (p *PodmanExecutor) teardown(log *zap.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.TeardownTimeout)
	defer cancel()

	var errs error
	// kill fails when the container already exited; rm decides the outcome
	_, _, _, killErr := p.cmdRunner.RunCommand(ctx, []string{p.binary, "kill", "--signal", "KILL", name})
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{p.binary, "rm", "--force", "--ignore", name})
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("rm: %w", err))
	} else if exitCode != 0 {
		errs = multierr.Append(errs, fmt.Errorf("rm exited with %d: %s", exitCode, strings.TrimSpace(stderr)))
	}

	if errs != nil {
		metrics.TeardownFailures.WithLabelValues(config.BackendPodman).Inc()
		log.Error("container teardown failed", zap.Error(multierr.Append(errs, killErr)))
		return
	}
	log.Debug("container removed")
}
