package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MayankPanda/cppbox/compiler"
	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/httpserver"
	"github.com/MayankPanda/cppbox/limiter"
	"github.com/MayankPanda/cppbox/logger"
	"github.com/MayankPanda/cppbox/mcpserver"
	"github.com/MayankPanda/cppbox/orchestrator"
	"github.com/MayankPanda/cppbox/sandbox"
	"github.com/MayankPanda/cppbox/workspace"
)

// limiterCleanupInterval is how often idle per-client limiters are dropped.
const limiterCleanupInterval = 5 * time.Minute

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			compiler.NewRegistryFromConfig,
			workspace.NewManagerFromConfig,
			sandbox.NewExecutor,
			orchestrator.New,
			limiter.NewFromConfig,
			newMCPServer,
			newHTTPServer,
		),

		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newMCPServer(cfg *config.Config, log *zap.Logger, orch *orchestrator.Orchestrator) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, orch)
}

func newHTTPServer(cfg *config.Config, log *zap.Logger, orch *orchestrator.Orchestrator, rl *limiter.RateLimiter, mcp *mcpserver.MCPServer) *httpserver.Server {
	if !cfg.Server.MCPEnabled {
		return httpserver.New(cfg, log, orch, rl, nil)
	}
	return httpserver.New(cfg, log, orch, rl, mcp.Handler())
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Logger     *zap.Logger
	Registry   *compiler.Registry
	Workspaces *workspace.Manager
	Executor   sandbox.SandboxExecutor
	Limiter    *limiter.RateLimiter
	HTTP       *httpserver.Server
	MCP        *mcpserver.MCPServer
}

func registerLifecycle(p lifecycleParams) error {
	p.Logger.Info("configuration loaded",
		zap.String("server.transport", p.Config.Server.Transport),
		zap.Int("server.http_port", p.Config.Server.HTTPPort),
		zap.Bool("server.mcp_enabled", p.Config.Server.MCPEnabled),
		zap.String("sandbox.backend", p.Config.Sandbox.Backend),
		zap.String("sandbox.mount_mode", p.Config.Sandbox.MountMode),
		zap.Int("sandbox.timeout_sec", p.Config.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", p.Config.Sandbox.MemoryMB),
		zap.Float64("sandbox.cpus", p.Config.Sandbox.CPUs),
		zap.Int64("sandbox.pids_limit", p.Config.Sandbox.PidsLimit),
		zap.String("workspace.root", p.Workspaces.Root()),
		zap.Strings("compilers", p.Registry.IDs()),
		zap.String("default_compiler", p.Registry.Default()),
	)

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Limiter.StartCleanup(cleanupCtx, limiterCleanupInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			stopCleanup()
			// in-flight requests are drained by the transport hook, stopped first
			return multierr.Append(p.Executor.Close(), p.Workspaces.Close())
		},
	})

	switch p.Config.Server.Transport {
	case config.TransportHTTP:
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return p.HTTP.Start()
			},
			OnStop: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, p.Config.GetShutdownTimeout())
				defer cancel()
				return p.HTTP.Shutdown(ctx)
			},
		})
	case config.TransportStdio:
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := p.MCP.ServeStdio(); err != nil {
						p.Logger.Error("stdio server stopped", zap.Error(err))
					}
					_ = p.Shutdowner.Shutdown()
				}()
				return nil
			},
		})
	default:
		return fmt.Errorf("unsupported transport: %s", p.Config.Server.Transport)
	}
	return nil
}
