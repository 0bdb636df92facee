package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MayankPanda/cppbox/compiler"
	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/metrics"
	"github.com/MayankPanda/cppbox/result"
	"github.com/MayankPanda/cppbox/sandbox"
	"github.com/MayankPanda/cppbox/workspace"
)

// unknownCompilerLabel replaces caller-chosen ids in metric labels.
const unknownCompilerLabel = "unknown"

// Request is one compile-and-run call. An empty Compiler selects the
// registry default.
type Request struct {
	SourceCode string
	Compiler   string
}

// Orchestrator runs requests against a fixed registry, workspace manager
// and executor. It is safe for concurrent use.
type Orchestrator struct {
	logger     *zap.Logger
	registry   *compiler.Registry
	workspaces *workspace.Manager
	executor   sandbox.SandboxExecutor
	timeout    time.Duration
}

// New creates an Orchestrator using the per-request timeout from cfg.
func New(logger *zap.Logger, cfg *config.Config, registry *compiler.Registry, workspaces *workspace.Manager, executor sandbox.SandboxExecutor) *Orchestrator {
	return &Orchestrator{
		logger:     logger,
		registry:   registry,
		workspaces: workspaces,
		executor:   executor,
		timeout:    cfg.GetTimeout(),
	}
}

// Compilers lists the identifiers a request may name.
func (o *Orchestrator) Compilers() []string {
	return o.registry.IDs()
}

// DefaultCompiler is the identifier used when a request names none.
func (o *Orchestrator) DefaultCompiler() string {
	return o.registry.Default()
}

// Ping checks the execution backend.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.executor.Ping(ctx)
}

// Run executes req and classifies the outcome. Steps run strictly in order:
// resolve, acquire, write, execute, classify, release.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res result.Result) {
	start := time.Now()
	label := unknownCompilerLabel
	log := o.logger.With(zap.String("compiler", req.Compiler))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while executing request", zap.Any("panic", r), zap.Stack("stack"))
			res = result.Internal()
		}

		elapsed := time.Since(start)
		metrics.ExecutionsTotal.WithLabelValues(label, res.Kind.String()).Inc()
		metrics.ExecutionDuration.WithLabelValues(label).Observe(elapsed.Seconds())
		log.Info("execution finished",
			zap.Stringer("kind", res.Kind),
			zap.Duration("duration", elapsed),
		)
	}()

	desc, err := o.registry.Resolve(req.Compiler)
	if err != nil {
		if errors.Is(err, compiler.ErrUnsupportedCompiler) {
			return result.NewFailure(result.UnsupportedCompiler, err.Error())
		}
		log.Error("failed to resolve compiler", zap.Error(err))
		return result.Internal()
	}
	label = desc.ID
	log = o.logger.With(zap.String("compiler", desc.ID))

	classified := false
	err = o.workspaces.WithWorkspace(func(ws *workspace.Workspace) error {
		log = log.With(zap.String("workspace", ws.ID))

		if err := o.workspaces.WriteSource(ws, desc.SourceFile, req.SourceCode); err != nil {
			return err
		}

		outcome, err := o.executor.Execute(ctx, desc, ws, o.timeout)
		if err != nil {
			return err
		}
		if outcome.EngineErr != nil {
			log.Warn("execution backend failed", zap.Error(outcome.EngineErr))
		}

		res = result.Classify(outcome)
		classified = true
		return nil
	})

	switch {
	case err == nil:
		return res
	case classified:
		// release failures are logged and counted; the classified result stands
		log.Error("failed to release workspace", zap.Error(err))
		return res
	case errors.Is(err, sandbox.ErrCanceled):
		log.Info("request canceled by caller", zap.Error(err))
		return result.Internal()
	default:
		log.Error("execution pipeline failed", zap.Error(err))
		return result.Internal()
	}
}
