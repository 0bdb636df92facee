package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MayankPanda/cppbox/compiler"
	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/workspace"
)

// MockContainerAPI implements ContainerAPI for testing
type MockContainerAPI struct {
	inspectErr error
	pullStream string
	pullErr    error
	createErr  error
	copyErr    error
	startErr   error
	waitStatus int64
	waitBlock  bool
	stdout     string
	stderr     string
	logsErr    error
	killErr    error
	removeErr  error
	// hang names a call ("inspect", "create" or "copy") that blocks until
	// its context ends, like a daemon that accepts but never answers
	hang string

	calls      []string
	removed    []string
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
	copyPath   string
	copied     []byte
}

func (m *MockContainerAPI) Ping(context.Context) (types.Ping, error) {
	m.calls = append(m.calls, "ping")
	return types.Ping{APIVersion: "1.47"}, nil
}

func (m *MockContainerAPI) ImageInspect(ctx context.Context, _ string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	m.calls = append(m.calls, "inspect")
	if m.hang == "inspect" {
		<-ctx.Done()
		return image.InspectResponse{}, ctx.Err()
	}
	return image.InspectResponse{}, m.inspectErr
}

func (m *MockContainerAPI) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	m.calls = append(m.calls, "pull")
	if m.pullErr != nil {
		return nil, m.pullErr
	}
	return io.NopCloser(strings.NewReader(m.pullStream)), nil
}

func (m *MockContainerAPI) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	m.calls = append(m.calls, "create")
	if m.hang == "create" {
		<-ctx.Done()
		return container.CreateResponse{}, ctx.Err()
	}
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	m.name = name
	m.config = cfg
	m.hostConfig = hostCfg
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (m *MockContainerAPI) CopyToContainer(ctx context.Context, _, dstPath string, content io.Reader, _ container.CopyToContainerOptions) error {
	m.calls = append(m.calls, "copy")
	if m.hang == "copy" {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.copyErr != nil {
		return m.copyErr
	}
	m.copyPath = dstPath
	data, err := io.ReadAll(content)
	m.copied = data
	return err
}

func (m *MockContainerAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	m.calls = append(m.calls, "start")
	return m.startErr
}

func (m *MockContainerAPI) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	m.calls = append(m.calls, "wait")
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		if m.waitBlock {
			<-ctx.Done()
			errCh <- ctx.Err()
			return
		}
		waitCh <- container.WaitResponse{StatusCode: m.waitStatus}
	}()
	return waitCh, errCh
}

func (m *MockContainerAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	m.calls = append(m.calls, "logs")
	if m.logsErr != nil {
		return nil, m.logsErr
	}
	var buf bytes.Buffer
	if m.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(m.stdout))
	}
	if m.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(m.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (m *MockContainerAPI) ContainerKill(context.Context, string, string) error {
	m.calls = append(m.calls, "kill")
	return m.killErr
}

func (m *MockContainerAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	m.calls = append(m.calls, "remove")
	m.removed = append(m.removed, id)
	return m.removeErr
}

func (m *MockContainerAPI) Close() error {
	return nil
}

func (m *MockContainerAPI) called(name string) bool {
	for _, c := range m.calls {
		if c == name {
			return true
		}
	}
	return false
}

func testExecutorConfig() *Config {
	return &Config{
		MemoryMB:        256,
		CPUs:            1,
		PidsLimit:       64,
		User:            "65534:65534",
		MaxOutputBytes:  64 * 1024,
		MountMode:       config.MountBind,
		PullImages:      true,
		PullTimeout:     time.Second,
		TeardownTimeout: time.Second,
		EngineTimeout:   time.Second,
	}
}

func testDescriptor() compiler.Descriptor {
	return compiler.Descriptor{
		ID:         "gcc",
		Image:      "gcc:13",
		SourceFile: "main.cpp",
		OutputFile: "main",
		Command:    []string{"sh", "-c", "g++ -O2 -o {output} {source} && {output}"},
		Env:        map[string]string{"LANG": "C.UTF-8"},
	}
}

func testWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	mgr, err := workspace.NewManager(zaptest.NewLogger(t), t.TempDir())
	require.NoError(t, err)
	ws, err := mgr.Acquire()
	require.NoError(t, err)
	require.NoError(t, mgr.WriteSource(ws, "main.cpp", "int main() { return 0; }"))
	t.Cleanup(func() { _ = mgr.Release(ws) })
	return ws
}

func newTestDockerExecutor(t *testing.T, api *MockContainerAPI, cfg *Config) *DockerExecutor {
	t.Helper()
	executor, err := NewDockerExecutor(zaptest.NewLogger(t), cfg, WithDockerClient(api))
	require.NoError(t, err)
	return executor
}

func TestDockerExecutor_Success(t *testing.T) {
	api := &MockContainerAPI{stdout: "hello\n", stderr: "note\n"}
	executor := newTestDockerExecutor(t, api, testExecutorConfig())
	ws := testWorkspace(t)

	outcome, err := executor.Execute(context.Background(), testDescriptor(), ws, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0, outcome.ExitCode)
	assert.Equal(t, "hello\n", outcome.Stdout)
	assert.Equal(t, "note\n", outcome.Stderr)
	assert.False(t, outcome.TimedOut)
	assert.NoError(t, outcome.EngineErr)

	assert.Equal(t, "cppbox-"+ws.ID, api.name)
	assert.Equal(t, []string{"sh", "-c", "g++ -O2 -o /workspace/main /workspace/main.cpp && /workspace/main"}, []string(api.config.Cmd))
	assert.Equal(t, []string{"LANG=C.UTF-8"}, api.config.Env)
	assert.Equal(t, MountPath, api.config.WorkingDir)
	assert.Equal(t, "65534:65534", api.config.User)
	assert.True(t, api.config.NetworkDisabled)
	assert.Equal(t, ws.ID, api.config.Labels[LabelWorkspace])

	hc := api.hostConfig
	assert.Equal(t, container.NetworkMode(network.NetworkNone), hc.NetworkMode)
	assert.Equal(t, []string{"ALL"}, []string(hc.CapDrop))
	assert.Contains(t, hc.SecurityOpt, "no-new-privileges:true")
	assert.Equal(t, int64(256*1024*1024), hc.Memory)
	assert.Equal(t, hc.Memory, hc.MemorySwap)
	assert.Equal(t, int64(1e9), hc.NanoCPUs)
	require.NotNil(t, hc.PidsLimit)
	assert.Equal(t, int64(64), *hc.PidsLimit)
	assert.True(t, hc.ReadonlyRootfs)
	require.Len(t, hc.Mounts, 1)
	assert.Equal(t, ws.Dir, hc.Mounts[0].Source)
	assert.Equal(t, MountPath, hc.Mounts[0].Target)
	assert.Contains(t, hc.Tmpfs, "/tmp")

	assert.Equal(t, []string{"inspect", "create", "wait", "start", "logs", "remove"}, api.calls)
}

func TestDockerExecutor_NonZeroExit(t *testing.T) {
	api := &MockContainerAPI{waitStatus: 1, stderr: "main.cpp:1:1: error: expected ';'\n"}
	executor := newTestDockerExecutor(t, api, testExecutorConfig())

	outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.ExitCode)
	assert.Contains(t, outcome.Stderr, "expected ';'")
	assert.True(t, api.called("remove"))
	assert.False(t, api.called("kill"))
}

func TestDockerExecutor_Timeout(t *testing.T) {
	api := &MockContainerAPI{waitBlock: true}
	executor := newTestDockerExecutor(t, api, testExecutorConfig())

	start := time.Now()
	outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 50*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, outcome.TimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, api.called("kill"))
	assert.True(t, api.called("remove"))
	assert.False(t, api.called("logs"))
}

func TestDockerExecutor_TimeoutWithTeardownFailure(t *testing.T) {
	api := &MockContainerAPI{
		waitBlock: true,
		killErr:   errors.New("daemon unavailable"),
		removeErr: errors.New("daemon unavailable"),
	}
	executor := newTestDockerExecutor(t, api, testExecutorConfig())

	outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 50*time.Millisecond)
	require.NoError(t, err)

	// remove is attempted even though kill failed
	assert.True(t, outcome.TimedOut)
	assert.True(t, api.called("kill"))
	assert.True(t, api.called("remove"))
}

func TestDockerExecutor_CallerCanceled(t *testing.T) {
	api := &MockContainerAPI{waitBlock: true}
	executor := newTestDockerExecutor(t, api, testExecutorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := executor.Execute(ctx, testDescriptor(), testWorkspace(t), 5*time.Second)
	require.ErrorIs(t, err, ErrCanceled)
	assert.True(t, api.called("remove"))
}

func TestDockerExecutor_ImagePull(t *testing.T) {
	notFound := fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound)

	t.Run("pulls missing image", func(t *testing.T) {
		api := &MockContainerAPI{
			inspectErr: notFound,
			pullStream: `{"status":"Pulling from library/gcc"}` + "\n" + `{"status":"Download complete"}` + "\n",
		}
		executor := newTestDockerExecutor(t, api, testExecutorConfig())

		outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 5*time.Second)
		require.NoError(t, err)
		assert.NoError(t, outcome.EngineErr)
		assert.Equal(t, []string{"inspect", "pull", "create"}, api.calls[:3])
	})

	t.Run("pull error in stream", func(t *testing.T) {
		api := &MockContainerAPI{
			inspectErr: notFound,
			pullStream: `{"errorDetail":{"message":"pull access denied"},"error":"pull access denied"}` + "\n",
		}
		executor := newTestDockerExecutor(t, api, testExecutorConfig())

		outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 5*time.Second)
		require.NoError(t, err)
		require.Error(t, outcome.EngineErr)
		assert.Contains(t, outcome.EngineErr.Error(), "pull access denied")
		assert.False(t, api.called("create"))
	})

	t.Run("pulling disabled", func(t *testing.T) {
		cfg := testExecutorConfig()
		cfg.PullImages = false
		api := &MockContainerAPI{inspectErr: notFound}
		executor := newTestDockerExecutor(t, api, cfg)

		outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 5*time.Second)
		require.NoError(t, err)
		require.Error(t, outcome.EngineErr)
		assert.False(t, api.called("pull"))
	})

	t.Run("daemon unreachable", func(t *testing.T) {
		api := &MockContainerAPI{inspectErr: errors.New("Cannot connect to the Docker daemon")}
		executor := newTestDockerExecutor(t, api, testExecutorConfig())

		outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 5*time.Second)
		require.NoError(t, err)
		require.Error(t, outcome.EngineErr)
		assert.Contains(t, outcome.EngineErr.Error(), "Cannot connect")
	})
}

func TestDockerExecutor_EngineFailures(t *testing.T) {
	tests := []struct {
		name         string
		api          *MockContainerAPI
		expectRemove bool
	}{
		{
			name:         "create fails",
			api:          &MockContainerAPI{createErr: errors.New("no space left on device")},
			expectRemove: true,
		},
		{
			name:         "start fails",
			api:          &MockContainerAPI{startErr: errors.New("oci runtime error")},
			expectRemove: true,
		},
		{
			name:         "logs fail",
			api:          &MockContainerAPI{logsErr: errors.New("connection reset")},
			expectRemove: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := newTestDockerExecutor(t, tt.api, testExecutorConfig())

			outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 5*time.Second)
			require.NoError(t, err)
			assert.Error(t, outcome.EngineErr)
			assert.False(t, outcome.TimedOut)
			assert.Equal(t, tt.expectRemove, tt.api.called("remove"))
		})
	}
}

func TestDockerExecutor_CreateFailureRemovesByName(t *testing.T) {
	api := &MockContainerAPI{createErr: errors.New("context canceled after create")}
	executor := newTestDockerExecutor(t, api, testExecutorConfig())
	ws := testWorkspace(t)

	outcome, err := executor.Execute(context.Background(), testDescriptor(), ws, 5*time.Second)
	require.NoError(t, err)
	require.Error(t, outcome.EngineErr)
	assert.Equal(t, []string{"cppbox-" + ws.ID}, api.removed)
	assert.False(t, api.called("kill"))
}

func TestDockerExecutor_HungEngine(t *testing.T) {
	tests := []struct {
		name      string
		hang      string
		mountMode string
	}{
		{name: "image inspect", hang: "inspect", mountMode: config.MountBind},
		{name: "container create", hang: "create", mountMode: config.MountBind},
		{name: "workspace copy", hang: "copy", mountMode: config.MountCopy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testExecutorConfig()
			cfg.EngineTimeout = 100 * time.Millisecond
			cfg.MountMode = tt.mountMode
			api := &MockContainerAPI{hang: tt.hang}
			executor := newTestDockerExecutor(t, api, cfg)

			start := time.Now()
			outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 100*time.Millisecond)
			require.NoError(t, err)
			require.Error(t, outcome.EngineErr)
			assert.ErrorIs(t, outcome.EngineErr, context.DeadlineExceeded)
			assert.False(t, outcome.TimedOut)
			assert.Less(t, time.Since(start), 2*time.Second)
			assert.False(t, api.called("start"))
			if tt.hang != "inspect" {
				assert.True(t, api.called("remove"))
			}
		})
	}
}

func TestDockerExecutor_TeardownFailureKeepsOutcome(t *testing.T) {
	api := &MockContainerAPI{stdout: "42\n", removeErr: errors.New("device or resource busy")}
	executor := newTestDockerExecutor(t, api, testExecutorConfig())

	outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 5*time.Second)
	require.NoError(t, err)
	assert.NoError(t, outcome.EngineErr)
	assert.Equal(t, "42\n", outcome.Stdout)
}

func TestDockerExecutor_CopyMode(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.MountMode = config.MountCopy
	api := &MockContainerAPI{stdout: "ok"}
	executor := newTestDockerExecutor(t, api, cfg)

	_, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 5*time.Second)
	require.NoError(t, err)

	assert.Empty(t, api.hostConfig.Mounts)
	assert.False(t, api.hostConfig.ReadonlyRootfs)
	assert.Equal(t, "/", api.copyPath)
	assert.Equal(t, []string{"inspect", "create", "copy", "wait", "start", "logs", "remove"}, api.calls)

	var names []string
	tr := tar.NewReader(bytes.NewReader(api.copied))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "workspace/main.cpp")
}

func TestDockerExecutor_OutputTruncated(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.MaxOutputBytes = 4
	api := &MockContainerAPI{stdout: "abcdefgh", stderr: "0123456789"}
	executor := newTestDockerExecutor(t, api, cfg)

	outcome, err := executor.Execute(context.Background(), testDescriptor(), testWorkspace(t), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abcd", outcome.Stdout)
	assert.Equal(t, "0123", outcome.Stderr)
}

func TestDockerExecutor_Ping(t *testing.T) {
	api := &MockContainerAPI{}
	executor := newTestDockerExecutor(t, api, testExecutorConfig())

	require.NoError(t, executor.Ping(context.Background()))
	assert.Equal(t, []string{"ping"}, api.calls)
	require.NoError(t, executor.Close())
}

func TestNewDockerExecutor_DefaultClient(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.DockerHost = "tcp://127.0.0.1:1"

	executor, err := NewDockerExecutor(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.NotNil(t, executor.cli)
	assert.NoError(t, executor.Close())
}
