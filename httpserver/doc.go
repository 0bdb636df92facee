// Package httpserver exposes the orchestrator over HTTP.
//
// Routes:
//
//	POST /run_cpp_code  {"source_code": "...", "compiler": "gcc"}
//	GET  /healthz       execution backend reachability
//	GET  /metrics       prometheus exposition
//	     /mcp           MCP streamable HTTP endpoint, when enabled
//
// Every classified result is answered with 200: {"output": ...} on success
// and {"error": ..., "kind": ...} otherwise. Transport problems use the
// usual status codes (400, 405, 413, 429).
package httpserver
