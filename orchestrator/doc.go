// Package orchestrator drives one compile-and-run request end to end.
//
// Run resolves the compiler, acquires a private workspace, writes the
// source, executes it in the configured sandbox and classifies the outcome.
// The workspace is released on every path and Run always returns a
// result.Result, never an error or a panic.
//
// Usage:
//
//	orch := orchestrator.New(logger, cfg, registry, workspaces, executor)
//	res := orch.Run(ctx, orchestrator.Request{SourceCode: src})
package orchestrator
