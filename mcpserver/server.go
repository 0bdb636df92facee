package mcpserver

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/orchestrator"
	"github.com/MayankPanda/cppbox/result"
)

// Tool and server identity
const (
	ToolName      = "compile_and_run"
	EndpointPath  = "/mcp"
	serverName    = "cppbox"
	serverVersion = "1.0.0"
)

// Runner executes compile-and-run requests.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) result.Result
	Compilers() []string
	DefaultCompiler() string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runner    Runner
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, runner Runner) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		runner: runner,
	}

	s.mcpServer = server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))
	s.registerCompileAndRunTool()

	return s, nil
}

// registerCompileAndRunTool registers the compile_and_run tool
func (s *MCPServer) registerCompileAndRunTool() {
	tool := mcp.Tool{
		Name:        ToolName,
		Description: "Compile and run a C++ program in an isolated, network-less container and return its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"source_code": map[string]any{
					"type":        "string",
					"description": "Complete C++ translation unit with a main function",
				},
				"compiler": map[string]any{
					"type":        "string",
					"description": "Compiler environment, defaults to " + s.runner.DefaultCompiler(),
					"enum":        s.runner.Compilers(),
				},
			},
			Required: []string{"source_code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleCompileAndRun)
}

// handleCompileAndRun handles the compile_and_run tool
func (s *MCPServer) handleCompileAndRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := request.RequireString("source_code")
	if err != nil {
		return textResult("source_code parameter is required", true), nil
	}
	compilerID := request.GetString("compiler", "")

	s.logger.Info("code execution requested",
		zap.String("transport", "mcp"),
		zap.String("compiler", compilerID),
		zap.Int("source_len", len(source)))

	res := s.runner.Run(ctx, orchestrator.Request{SourceCode: source, Compiler: compilerID})
	return textResult(res.Text(), !res.OK()), nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Handler returns the streamable HTTP handler for mounting at EndpointPath.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath(EndpointPath),
		server.WithStateLess(true),
	)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
