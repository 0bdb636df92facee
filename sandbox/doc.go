// Package sandbox provides secure code execution capabilities.
//
// The sandbox package launches one ephemeral container per request, binds
// the request's workspace at /workspace, enforces the deadline and resource
// ceilings, captures stdout and stderr, and always tears the container
// down. Backends: Docker (Engine API, default), Podman (CLI) and a local
// host executor for development.
//
// Engine failures are reported in Outcome.EngineErr; the returned error is
// reserved for internal failures and caller cancellation.
//
// Usage:
//
//	executor, err := sandbox.NewExecutor(logger, cfg)
//	outcome, err := executor.Execute(ctx, descriptor, ws, 5*time.Second)
package sandbox
