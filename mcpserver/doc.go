// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// compile_and_run tool. It uses the mark3labs/mcp-go library to handle the
// protocol details and hands every call to the orchestrator, so MCP callers
// get the same classified results as HTTP callers.
//
// The server supports both stdio and streamable HTTP transports as
// configured by the application configuration. In HTTP mode the handler is
// mounted by the httpserver package at /mcp.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, orch)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or mount server.Handler()
package mcpserver
