package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MayankPanda/cppbox/config"
)

func TestLimitedBuffer(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		writes    []string
		expected  string
		truncated bool
	}{
		{name: "unbounded", limit: 0, writes: []string{"abc", "def"}, expected: "abcdef"},
		{name: "under limit", limit: 10, writes: []string{"abc", "def"}, expected: "abcdef"},
		{name: "split write", limit: 4, writes: []string{"abc", "def"}, expected: "abcd", truncated: true},
		{name: "already full", limit: 3, writes: []string{"abc", "def"}, expected: "abc", truncated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &limitedBuffer{limit: tt.limit}
			for _, w := range tt.writes {
				n, err := buf.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.expected, buf.String())
			assert.Equal(t, tt.truncated, buf.truncated)
		})
	}
}

func TestRealCommandRunner(t *testing.T) {
	runner := RealCommandRunner{MaxOutputBytes: 1024}

	t.Run("no command", func(t *testing.T) {
		_, _, _, err := runner.RunCommand(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("missing binary", func(t *testing.T) {
		_, _, _, err := runner.RunCommand(context.Background(), []string{"cppbox-definitely-not-a-binary"})
		assert.Error(t, err)
	})

	t.Run("exit code", func(t *testing.T) {
		stdout, stderr, exitCode, err := runner.RunCommand(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 7"})
		require.NoError(t, err)
		assert.Equal(t, "out\n", stdout)
		assert.Equal(t, "err\n", stderr)
		assert.Equal(t, 7, exitCode)
	})

	t.Run("output capped", func(t *testing.T) {
		small := RealCommandRunner{MaxOutputBytes: 8}
		stdout, _, exitCode, err := small.RunCommand(context.Background(), []string{"sh", "-c", "yes | head -c 100000"})
		require.NoError(t, err)
		assert.Equal(t, 0, exitCode)
		assert.Len(t, stdout, 8)
	})
}

func TestConfigFromApp(t *testing.T) {
	cfg := &config.Config{
		Sandbox: config.SandboxConfig{
			Backend:            config.BackendDocker,
			MountMode:          config.MountCopy,
			DockerHost:         "tcp://engine:2376",
			TimeoutSec:         5,
			MemoryMB:           128,
			CPUs:               0.5,
			PidsLimit:          32,
			User:               "1000:1000",
			MaxOutputKB:        16,
			PullImages:         true,
			PullTimeoutSec:     60,
			TeardownTimeoutSec: 7,
			EngineTimeoutSec:   20,
		},
	}

	got := ConfigFromApp(cfg)
	assert.Equal(t, 128, got.MemoryMB)
	assert.InDelta(t, 0.5, got.CPUs, 1e-9)
	assert.Equal(t, int64(32), got.PidsLimit)
	assert.Equal(t, "1000:1000", got.User)
	assert.Equal(t, 16*1024, got.MaxOutputBytes)
	assert.Equal(t, config.MountCopy, got.MountMode)
	assert.Equal(t, "tcp://engine:2376", got.DockerHost)
	assert.Equal(t, time.Minute, got.PullTimeout)
	assert.Equal(t, 7*time.Second, got.TeardownTimeout)
	assert.Equal(t, 20*time.Second, got.EngineTimeout)
}

func TestNewExecutor(t *testing.T) {
	base := config.SandboxConfig{
		DockerHost:         "tcp://127.0.0.1:1",
		MountMode:          config.MountBind,
		TimeoutSec:         5,
		MemoryMB:           256,
		CPUs:               1,
		PidsLimit:          64,
		User:               "65534:65534",
		MaxOutputKB:        64,
		PullTimeoutSec:     1,
		TeardownTimeoutSec: 1,
		EngineTimeoutSec:   1,
	}

	tests := []struct {
		name        string
		backend     string
		enableLocal bool
		expectErr   bool
		expectType  any
	}{
		{name: "docker", backend: config.BackendDocker, expectType: &DockerExecutor{}},
		{name: "podman", backend: config.BackendPodman, expectType: &PodmanExecutor{}},
		{name: "local enabled", backend: config.BackendLocal, enableLocal: true, expectType: &LocalExecutor{}},
		{name: "local not enabled", backend: config.BackendLocal, expectErr: true},
		{name: "unknown", backend: "firecracker", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := base
			sc.Backend = tt.backend
			sc.EnableLocalBackend = tt.enableLocal
			cfg := &config.Config{Sandbox: sc}

			executor, err := NewExecutor(zaptest.NewLogger(t), cfg)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.expectType, executor)
			assert.NoError(t, executor.Close())
		})
	}
}
