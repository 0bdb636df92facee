package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// CPPBOX_SANDBOX_TIMEOUT_SEC=5.
const EnvPrefix = "CPPBOX"

// ConfigPathEnv names an explicit config file, bypassing the search paths.
const ConfigPathEnv = "CPPBOX_CONFIG"

// Config represents the application configuration
type Config struct {
	Server          ServerConfig              `mapstructure:"server"`
	Sandbox         SandboxConfig             `mapstructure:"sandbox"`
	Workspace       WorkspaceConfig           `mapstructure:"workspace"`
	Logging         LoggingConfig             `mapstructure:"logging"`
	RateLimit       RateLimitConfig           `mapstructure:"rate_limit"`
	DefaultCompiler string                    `mapstructure:"default_compiler"`
	Compilers       map[string]CompilerConfig `mapstructure:"compilers"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport          string `mapstructure:"transport"`
	HTTPPort           int    `mapstructure:"http_port"`
	MCPEnabled         bool   `mapstructure:"mcp_enabled"`
	MaxRequestKB       int    `mapstructure:"max_request_kb"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"`
}

// SandboxConfig holds the execution backend and the ceilings applied to
// every launched environment.
type SandboxConfig struct {
	Backend            string  `mapstructure:"backend"`
	DockerHost         string  `mapstructure:"docker_host"`
	MountMode          string  `mapstructure:"mount_mode"`
	TimeoutSec         int     `mapstructure:"timeout_sec"`
	MemoryMB           int     `mapstructure:"memory_mb"`
	CPUs               float64 `mapstructure:"cpus"`
	PidsLimit          int64   `mapstructure:"pids_limit"`
	User               string  `mapstructure:"user"`
	MaxOutputKB        int     `mapstructure:"max_output_kb"`
	PullImages         bool    `mapstructure:"pull_images"`
	PullTimeoutSec     int     `mapstructure:"pull_timeout_sec"`
	TeardownTimeoutSec int     `mapstructure:"teardown_timeout_sec"`
	EngineTimeoutSec   int     `mapstructure:"engine_timeout_sec"`
	EnableLocalBackend bool    `mapstructure:"enable_local_backend"`
}

// WorkspaceConfig controls where per-request workspaces are created.
type WorkspaceConfig struct {
	Root         string `mapstructure:"root"`
	SweepOnStart bool   `mapstructure:"sweep_on_start"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// RateLimitConfig bounds inbound request rate and concurrent executions.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	PerClientRPS      float64 `mapstructure:"per_client_rps"`
	PerClientBurst    int     `mapstructure:"per_client_burst"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
}

// CompilerConfig describes one compiler environment. Command is an argv
// template; {source}, {output} and {workdir} are substituted at run time.
// Environment holds KEY=value entries; a list keeps the case of variable
// names, which viper folds for map keys.
type CompilerConfig struct {
	Image       string   `mapstructure:"image"`
	SourceFile  string   `mapstructure:"source_file"`
	OutputFile  string   `mapstructure:"output_file"`
	Command     []string `mapstructure:"command"`
	Environment []string `mapstructure:"environment"`
}

// Backend names
const (
	BackendDocker = "docker"
	BackendPodman = "podman"
	BackendLocal  = "local"
)

// Mount modes
const (
	MountBind = "bind"
	MountCopy = "copy"
)

// Transports
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// New loads and validates the application configuration. CPPBOX_CONFIG
// selects an explicit file; otherwise config.yaml is searched in . and
// ./config.
func New() (*Config, error) {
	return Load(os.Getenv(ConfigPathEnv))
}

// Load reads configuration from path (or the search paths when path is
// empty), applies defaults and environment overrides, and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	// a configured table replaces the built-in one instead of merging into it
	if !v.IsSet("compilers") {
		v.SetDefault("compilers", DefaultCompilers())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", TransportHTTP)
	v.SetDefault("server.http_port", 5000)
	v.SetDefault("server.mcp_enabled", true)
	v.SetDefault("server.max_request_kb", 256)
	v.SetDefault("server.shutdown_timeout_sec", 15)

	v.SetDefault("sandbox.backend", BackendDocker)
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.mount_mode", MountBind)
	v.SetDefault("sandbox.timeout_sec", 5)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.user", "65534:65534")
	v.SetDefault("sandbox.max_output_kb", 64)
	v.SetDefault("sandbox.pull_images", true)
	v.SetDefault("sandbox.pull_timeout_sec", 300)
	v.SetDefault("sandbox.teardown_timeout_sec", 10)
	v.SetDefault("sandbox.engine_timeout_sec", 30)
	v.SetDefault("sandbox.enable_local_backend", false)

	v.SetDefault("workspace.root", "")
	v.SetDefault("workspace.sweep_on_start", true)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("rate_limit.requests_per_second", 50.0)
	v.SetDefault("rate_limit.per_client_rps", 2.0)
	v.SetDefault("rate_limit.per_client_burst", 5)
	v.SetDefault("rate_limit.max_concurrent", 8)

	v.SetDefault("default_compiler", "gcc")
}

// DefaultCompilers returns the built-in compiler table.
func DefaultCompilers() map[string]any {
	gxx := []string{"sh", "-c", "g++ -O2 -o {output} {source} && {output}"}
	return map[string]any{
		"gcc": map[string]any{
			"image":       "gcc:13",
			"source_file": "main.cpp",
			"output_file": "main",
			"command":     gxx,
		},
		"clang": map[string]any{
			"image":       "silkeh/clang:17",
			"source_file": "main.cpp",
			"output_file": "main",
			"command":     []string{"sh", "-c", "clang++ -O2 -o {output} {source} && {output}"},
		},
		"mingw": map[string]any{
			"image":       "keryi/mingw-gcc",
			"source_file": "main.cpp",
			"output_file": "main",
			"command":     gxx,
		},
	}
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != TransportStdio && c.Server.Transport != TransportHTTP {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == TransportHTTP && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}

	if c.Server.MaxRequestKB <= 0 {
		return fmt.Errorf("server.max_request_kb must be positive, got: %d", c.Server.MaxRequestKB)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %g", c.Sandbox.CPUs)
	}

	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.TeardownTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.teardown_timeout_sec must be positive, got: %d", c.Sandbox.TeardownTimeoutSec)
	}

	if c.Sandbox.EngineTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.engine_timeout_sec must be positive, got: %d", c.Sandbox.EngineTimeoutSec)
	}

	if c.Sandbox.PullImages && c.Sandbox.PullTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.pull_timeout_sec must be positive when pull_images is set, got: %d", c.Sandbox.PullTimeoutSec)
	}

	if strings.TrimSpace(c.Sandbox.User) == "" || c.Sandbox.User == "root" || strings.HasPrefix(c.Sandbox.User, "0:") || c.Sandbox.User == "0" {
		return fmt.Errorf("sandbox.user must name a non-root user, got: %q", c.Sandbox.User)
	}

	if c.Sandbox.MountMode != MountBind && c.Sandbox.MountMode != MountCopy {
		return fmt.Errorf("invalid sandbox.mount_mode: %s, must be 'bind' or 'copy'", c.Sandbox.MountMode)
	}

	supportedBackends := map[string]bool{
		BackendDocker: true,
		BackendPodman: true,
		BackendLocal:  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	validModes := map[string]bool{"production": true, "development": true}
	if !validModes[c.Logging.Mode] {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.PerClientRPS <= 0 || c.RateLimit.PerClientBurst <= 0 {
		return errors.New("rate_limit rates and burst must be positive")
	}

	if c.RateLimit.MaxConcurrent <= 0 {
		return fmt.Errorf("rate_limit.max_concurrent must be positive, got: %d", c.RateLimit.MaxConcurrent)
	}

	if len(c.Compilers) == 0 {
		return errors.New("at least one compiler must be configured")
	}

	if _, ok := c.Compilers[c.DefaultCompiler]; !ok {
		return fmt.Errorf("default_compiler %q is not configured", c.DefaultCompiler)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetTeardownTimeout bounds kill/remove calls issued after an execution.
func (c *Config) GetTeardownTimeout() time.Duration {
	return time.Duration(c.Sandbox.TeardownTimeoutSec) * time.Second
}

// GetEngineTimeout bounds each engine call made before the program starts.
func (c *Config) GetEngineTimeout() time.Duration {
	return time.Duration(c.Sandbox.EngineTimeoutSec) * time.Second
}

// GetPullTimeout bounds a single image pull.
func (c *Config) GetPullTimeout() time.Duration {
	return time.Duration(c.Sandbox.PullTimeoutSec) * time.Second
}

// GetShutdownTimeout bounds graceful HTTP shutdown.
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}
