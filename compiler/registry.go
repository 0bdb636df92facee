package compiler

import (
	"errors"
	"fmt"
	"maps"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/MayankPanda/cppbox/config"
)

// Command template placeholders
const (
	PlaceholderSource  = "{source}"
	PlaceholderOutput  = "{output}"
	PlaceholderWorkdir = "{workdir}"
)

// ErrUnsupportedCompiler is matched by every UnsupportedCompilerError.
var ErrUnsupportedCompiler = errors.New("unsupported compiler")

var (
	idPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	filePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// UnsupportedCompilerError reports a compiler identifier that is not in the
// registry.
type UnsupportedCompilerError struct {
	ID string
}

func (e *UnsupportedCompilerError) Error() string {
	return fmt.Sprintf("Compiler '%s' is not supported.", e.ID)
}

func (*UnsupportedCompilerError) Is(target error) bool {
	return target == ErrUnsupportedCompiler
}

// Descriptor is the execution environment for one compiler.
type Descriptor struct {
	ID         string
	Image      string
	SourceFile string
	OutputFile string
	Command    []string
	Env        map[string]string
}

// Render substitutes the placeholders of the command template using paths
// under workdir. workdir is always a path chosen by the executor, never by
// the caller.
func (d Descriptor) Render(workdir string) []string {
	r := strings.NewReplacer(
		PlaceholderSource, path.Join(workdir, d.SourceFile),
		PlaceholderOutput, path.Join(workdir, d.OutputFile),
		PlaceholderWorkdir, workdir,
	)
	argv := make([]string, len(d.Command))
	for i, arg := range d.Command {
		argv[i] = r.Replace(arg)
	}
	return argv
}

// EnvList returns the environment as sorted KEY=value pairs.
func (d Descriptor) EnvList() []string {
	keys := slices.Sorted(maps.Keys(d.Env))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+d.Env[k])
	}
	return env
}

func (d Descriptor) clone() Descriptor {
	d.Command = slices.Clone(d.Command)
	d.Env = maps.Clone(d.Env)
	return d
}

func (d Descriptor) validate() error {
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("invalid compiler id %q", d.ID)
	}
	if strings.TrimSpace(d.Image) == "" {
		return fmt.Errorf("compiler %s: image is required", d.ID)
	}
	if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
		return fmt.Errorf("compiler %s: command is required", d.ID)
	}
	for _, name := range []string{d.SourceFile, d.OutputFile} {
		if !filePattern.MatchString(name) || strings.Contains(name, "..") {
			return fmt.Errorf("compiler %s: %q is not a bare file name", d.ID, name)
		}
	}
	if d.SourceFile == d.OutputFile {
		return fmt.Errorf("compiler %s: source and output file must differ", d.ID)
	}
	for k := range d.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			return fmt.Errorf("compiler %s: invalid environment variable name %q", d.ID, k)
		}
	}
	return nil
}

// Registry is a fixed, read-only compiler table.
type Registry struct {
	entries   map[string]Descriptor
	defaultID string
}

// NewRegistry validates descs and builds the table. defaultID is used when
// a request does not name a compiler.
func NewRegistry(defaultID string, descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		entries:   make(map[string]Descriptor, len(descs)),
		defaultID: defaultID,
	}
	for _, d := range descs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.entries[d.ID]; dup {
			return nil, fmt.Errorf("duplicate compiler id %q", d.ID)
		}
		r.entries[d.ID] = d.clone()
	}
	if _, ok := r.entries[defaultID]; !ok {
		return nil, fmt.Errorf("default compiler %q is not registered", defaultID)
	}
	return r, nil
}

// NewRegistryFromConfig builds the registry from the compilers section.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	descs := make([]Descriptor, 0, len(cfg.Compilers))
	for _, id := range slices.Sorted(maps.Keys(cfg.Compilers)) {
		cc := cfg.Compilers[id]
		env, err := ParseEnv(cc.Environment)
		if err != nil {
			return nil, fmt.Errorf("compiler %s: %w", id, err)
		}
		descs = append(descs, Descriptor{
			ID:         id,
			Image:      cc.Image,
			SourceFile: cc.SourceFile,
			OutputFile: cc.OutputFile,
			Command:    cc.Command,
			Env:        env,
		})
	}
	return NewRegistry(cfg.DefaultCompiler, descs...)
}

// ParseEnv turns KEY=value entries into a map. Later entries win.
func ParseEnv(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, kv := range entries {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("environment entry %q must be KEY=value", kv)
		}
		env[k] = v
	}
	return env, nil
}

// Resolve returns the descriptor for id, or the default one when id is
// empty. The returned descriptor is a copy.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	if id == "" {
		id = r.defaultID
	}
	d, ok := r.entries[id]
	if !ok {
		return Descriptor{}, &UnsupportedCompilerError{ID: id}
	}
	return d.clone(), nil
}

// IDs lists the registered compiler identifiers in sorted order.
func (r *Registry) IDs() []string {
	return slices.Sorted(maps.Keys(r.entries))
}

// Default returns the identifier used when a request omits the compiler.
func (r *Registry) Default() string {
	return r.defaultID
}
