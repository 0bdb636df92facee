package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/MayankPanda/cppbox/compiler"
	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/workspace"
)

// MountPath is where the workspace appears inside every sandbox.
const MountPath = "/workspace"

// Container naming and labels
const (
	containerPrefix = "cppbox-"
	LabelManaged    = "io.cppbox.managed"
	LabelWorkspace  = "io.cppbox.workspace"
	LabelCompiler   = "io.cppbox.compiler"
)

// tmpfsOptions mounts a private /tmp for compiler scratch files.
const tmpfsOptions = "rw,exec,nosuid,nodev,size=64m"

// ErrCanceled is returned when the caller's context ends before the
// execution does.
var ErrCanceled = errors.New("execution canceled")

// Outcome is the raw result of one execution.
type Outcome struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	EngineErr error
	Duration  time.Duration
}

// SandboxExecutor defines the interface for sandbox execution
type SandboxExecutor interface {
	// Execute runs desc against ws and blocks until the program exits, the
	// timeout elapses or the engine fails. The sandbox is gone on return.
	Execute(ctx context.Context, desc compiler.Descriptor, ws *workspace.Workspace, timeout time.Duration) (Outcome, error)
	// Ping checks that the execution backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Config holds the ceilings and engine settings shared by all backends.
type Config struct {
	MemoryMB        int
	CPUs            float64
	PidsLimit       int64
	User            string
	MaxOutputBytes  int
	MountMode       string
	DockerHost      string
	PullImages      bool
	PullTimeout     time.Duration
	TeardownTimeout time.Duration
	EngineTimeout   time.Duration
}

// ConfigFromApp extracts the executor settings from the application config.
func ConfigFromApp(cfg *config.Config) *Config {
	return &Config{
		MemoryMB:        cfg.Sandbox.MemoryMB,
		CPUs:            cfg.Sandbox.CPUs,
		PidsLimit:       cfg.Sandbox.PidsLimit,
		User:            cfg.Sandbox.User,
		MaxOutputBytes:  cfg.Sandbox.MaxOutputKB * 1024,
		MountMode:       cfg.Sandbox.MountMode,
		DockerHost:      cfg.Sandbox.DockerHost,
		PullImages:      cfg.Sandbox.PullImages,
		PullTimeout:     cfg.GetPullTimeout(),
		TeardownTimeout: cfg.GetTeardownTimeout(),
		EngineTimeout:   cfg.GetEngineTimeout(),
	}
}

func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
}

func memoryBytes(mb int) int64 {
	return int64(mb) * 1024 * 1024
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands.
// The command runs in its own process group which is killed as a whole
// when ctx ends.
type RealCommandRunner struct {
	MaxOutputBytes int
	// WaitDelay bounds how long Run waits for inherited pipes after the
	// process is gone.
	WaitDelay time.Duration
}

// RunCommand executes the given command with arguments
func (r RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, errors.New("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // argv comes from the validated compiler registry
	setProcessGroup(cmd)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	stdoutBuf := &limitedBuffer{limit: r.MaxOutputBytes}
	stderrBuf := &limitedBuffer{limit: r.MaxOutputBytes}
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else if !errors.Is(err, exec.ErrWaitDelay) {
			return stdoutBuf.String(), stderrBuf.String(), 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// limitedBuffer keeps at most limit bytes and silently drops the rest so a
// chatty program cannot exhaust service memory. limit <= 0 means unbounded.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			b.truncated = true
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
