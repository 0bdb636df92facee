package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MayankPanda/cppbox/compiler"
	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/metrics"
	"github.com/MayankPanda/cppbox/workspace"
)

// localPath is the only PATH visible to programs run by LocalExecutor.
const localPath = "/usr/local/bin:/usr/bin:/bin"

// chdirScript enters $0 and execs the remaining arguments.
const chdirScript = `cd "$0" && exec "$@"`

// LocalExecutor implements SandboxExecutor using local execution (for development only)
type LocalExecutor struct {
	logger    *zap.Logger
	config    *Config
	cmdRunner CommandRunner
}

// LocalExecutorOption defines a functional option for LocalExecutor
type LocalExecutorOption func(*LocalExecutor)

// WithLocalCommandRunner sets the CommandRunner for LocalExecutor
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalExecutorOption {
	return func(l *LocalExecutor) {
		l.cmdRunner = cmdRunner
	}
}

// NewLocalExecutor creates a new LocalExecutor with default implementations and optional interfaces
func NewLocalExecutor(logger *zap.Logger, config *Config, opts ...LocalExecutorOption) *LocalExecutor {
	executor := &LocalExecutor{
		logger:    logger,
		config:    config,
		cmdRunner: &RealCommandRunner{MaxOutputBytes: config.MaxOutputBytes},
	}

	for _, opt := range opts {
		opt(executor)
	}

	logger.Warn("local backend runs untrusted code on the host without isolation or resource limits; use it for development only")
	return executor
}

// Execute runs the rendered command on the host inside the workspace
// directory with a scrubbed environment.
func (l *LocalExecutor) Execute(ctx context.Context, desc compiler.Descriptor, ws *workspace.Workspace, timeout time.Duration) (Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := l.cmdRunner.RunCommand(runCtx, l.args(desc, ws))
	elapsed := time.Since(start)
	metrics.ContainerRunDuration.WithLabelValues(config.BackendLocal).Observe(elapsed.Seconds())

	switch {
	case ctx.Err() != nil:
		return Outcome{}, canceled(ctx)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		l.logger.Info("execution deadline exceeded", zap.String("workspace", ws.ID), zap.Duration("timeout", timeout))
		return Outcome{TimedOut: true, Duration: elapsed}, nil
	case err != nil:
		return Outcome{EngineErr: fmt.Errorf("failed to start process: %w", err)}, nil
	}

	return Outcome{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: elapsed,
	}, nil
}

// Ping always succeeds.
func (l *LocalExecutor) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (l *LocalExecutor) Close() error {
	return nil
}

func (l *LocalExecutor) args(desc compiler.Descriptor, ws *workspace.Workspace) []string {
	args := []string{
		"env", "-i",
		"PATH=" + localPath,
		"HOME=" + ws.Dir,
		"TMPDIR=" + ws.Dir,
	}
	args = append(args, desc.EnvList()...)
	args = append(args, "sh", "-c", chdirScript, ws.Dir)
	return append(args, desc.Render(ws.Dir)...)
}
