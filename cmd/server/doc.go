// Package main is the entry point for the cppbox server.
//
// cppbox compiles and runs untrusted C++ programs, one throwaway container
// per request, with no network, a non-root user, memory, CPU and PID
// ceilings and a hard deadline. It answers POST /run_cpp_code over HTTP and
// exposes the same operation as the compile_and_run MCP tool over HTTP
// (/mcp) or stdio.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
