package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MayankPanda/cppbox/config"
)

// pingTimeout bounds the startup reachability check.
const pingTimeout = 5 * time.Second

// NewExecutor creates an appropriate sandbox executor based on the configuration.
// An unreachable engine is logged, not fatal: requests then fail with an
// engine error until it comes back.
func NewExecutor(logger *zap.Logger, cfg *config.Config) (SandboxExecutor, error) {
	executorConfig := ConfigFromApp(cfg)

	var executor SandboxExecutor
	switch cfg.Sandbox.Backend {
	case config.BackendDocker:
		docker, err := NewDockerExecutor(logger, executorConfig)
		if err != nil {
			return nil, err
		}
		executor = docker
	case config.BackendPodman:
		if executorConfig.MountMode == config.MountCopy {
			logger.Warn("podman backend always bind mounts the workspace; ignoring copy mount mode")
		}
		executor = NewPodmanExecutor(logger, executorConfig)
	case config.BackendLocal:
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, errors.New("local backend requires sandbox.enable_local_backend")
		}
		executor = NewLocalExecutor(logger, executorConfig)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := executor.Ping(ctx); err != nil {
		logger.Warn("execution backend is not reachable", zap.String("backend", cfg.Sandbox.Backend), zap.Error(err))
	} else {
		logger.Info("execution backend ready", zap.String("backend", cfg.Sandbox.Backend))
	}

	return executor, nil
}
