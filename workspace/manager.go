package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/metrics"
)

// dirPrefix marks directories owned by the manager under the root.
const dirPrefix = "ws-"

var (
	// ErrReleased is returned when writing into a released workspace.
	ErrReleased = errors.New("workspace already released")
	// ErrInvalidName is returned for file names that are not bare names.
	ErrInvalidName = errors.New("invalid file name")
)

// Workspace is a directory owned by exactly one request.
type Workspace struct {
	ID  string
	Dir string

	mu       sync.Mutex
	released bool
}

// Path returns the host path of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Released reports whether Release has completed for w.
func (w *Workspace) Released() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}

// Manager hands out and reclaims workspaces under a single root.
type Manager struct {
	logger *zap.Logger
	root   string
	fs     FileSystem
	newID  func() string

	mu     sync.Mutex
	active map[string]*Workspace
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithFileSystem sets the FileSystem for Manager
func WithFileSystem(fs FileSystem) ManagerOption {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithIDGenerator replaces the UUID generator, mostly for tests.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) {
		m.newID = gen
	}
}

// NewManager creates a Manager rooted at root, creating it if needed. An
// empty root selects $TMPDIR/cppbox.
func NewManager(logger *zap.Logger, root string, opts ...ManagerOption) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "cppbox")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	m := &Manager{
		logger: logger,
		root:   abs,
		fs:     &RealFileSystem{},
		newID:  uuid.NewString,
		active: make(map[string]*Workspace),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.fs.MkdirAll(m.root, RootPermission); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return m, nil
}

// NewManagerFromConfig builds the manager from the workspace section and
// optionally sweeps directories left behind by a previous process.
func NewManagerFromConfig(logger *zap.Logger, cfg *config.Config) (*Manager, error) {
	m, err := NewManager(logger, cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	if cfg.Workspace.SweepOnStart {
		if err := m.Sweep(); err != nil {
			logger.Warn("failed to sweep stale workspaces", zap.String("root", m.root), zap.Error(err))
		}
	}
	return m, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Acquire allocates a fresh workspace. On error nothing is left on disk.
func (m *Manager) Acquire() (*Workspace, error) {
	id := m.newID()
	dir := filepath.Join(m.root, dirPrefix+id)

	// Mkdir fails on an existing directory, so an ID collision can never
	// hand out shared storage.
	if err := m.fs.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws := &Workspace{ID: id, Dir: dir}
	if err := m.fs.Chmod(dir, DirPermission); err != nil {
		_ = m.fs.RemoveAll(dir)
		return nil, fmt.Errorf("failed to set workspace permissions: %w", err)
	}

	m.mu.Lock()
	m.active[id] = ws
	n := len(m.active)
	m.mu.Unlock()

	metrics.ActiveWorkspaces.Set(float64(n))
	m.logger.Debug("workspace acquired", zap.String("workspace", id))
	return ws, nil
}

// WriteSource stores text as name inside ws.
func (m *Manager) WriteSource(ws *Workspace, name, text string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.released {
		return ErrReleased
	}
	if err := m.fs.WriteFile(ws.Path(name), []byte(text), SourcePermission); err != nil {
		return fmt.Errorf("failed to write source file: %w", err)
	}
	return nil
}

// Release removes ws and everything in it. It is safe to call more than
// once and with a nil workspace.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil {
		return nil
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.released {
		return nil
	}

	if err := m.fs.RemoveAll(ws.Dir); err != nil {
		metrics.WorkspaceReleaseFailures.Inc()
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	ws.released = true

	m.mu.Lock()
	delete(m.active, ws.ID)
	n := len(m.active)
	m.mu.Unlock()

	metrics.ActiveWorkspaces.Set(float64(n))
	m.logger.Debug("workspace released", zap.String("workspace", ws.ID))
	return nil
}

// WithWorkspace acquires a workspace, runs fn and releases the workspace on
// every exit path, including a panic in fn.
func (m *Manager) WithWorkspace(fn func(ws *Workspace) error) (err error) {
	ws, err := m.Acquire()
	if err != nil {
		return err
	}
	defer func() {
		if relErr := m.Release(ws); relErr != nil {
			err = multierr.Append(err, relErr)
		}
	}()
	return fn(ws)
}

// Active returns the number of workspaces acquired and not yet released.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Exists reports whether the directory of ws is still on disk.
func (m *Manager) Exists(ws *Workspace) (bool, error) {
	return m.fs.FileExists(ws.Dir)
}

// Sweep removes workspace directories under the root that this manager does
// not own, e.g. after a crash. Call it before serving requests.
func (m *Manager) Sweep() error {
	entries, err := m.fs.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("failed to list workspace root: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, dirPrefix) {
			continue
		}
		if _, owned := m.active[strings.TrimPrefix(name, dirPrefix)]; owned {
			continue
		}
		if rmErr := m.fs.RemoveAll(filepath.Join(m.root, name)); rmErr != nil {
			errs = multierr.Append(errs, rmErr)
			continue
		}
		m.logger.Info("removed stale workspace", zap.String("dir", name))
	}
	return errs
}

// Close releases every workspace that is still active.
func (m *Manager) Close() error {
	m.mu.Lock()
	pending := make([]*Workspace, 0, len(m.active))
	for _, ws := range m.active {
		pending = append(pending, ws)
	}
	m.mu.Unlock()

	var errs error
	for _, ws := range pending {
		errs = multierr.Append(errs, m.Release(ws))
	}
	return errs
}
