// Package mcpserver exposes the tool registry as a Model Context Protocol
// server, over streamable HTTP or stdio.
package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/edagate/internal/tools"
)

// ServerName is reported to clients during initialization.
const ServerName = "edagate"

// EndpointPath is where the streamable HTTP transport is mounted.
const EndpointPath = "/mcp"

const instructions = "Chip-design tools. Start with initialize_project, add RTL with write_file, " +
	"then run run_yosys_synthesis or run_openlane_flow. Long runs are bounded by a server-side timeout."

// Server serves registry tools over MCP.
type Server struct {
	mcp      *server.MCPServer
	registry *tools.Registry
	logger   *slog.Logger
}

// New registers every tool in registry with a new MCP server.
func New(registry *tools.Registry, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(ServerName, version,
			server.WithToolCapabilities(false),
			server.WithInstructions(instructions),
			server.WithRecovery(),
		),
		registry: registry,
		logger:   logger,
	}
	for _, t := range registry.All() {
		s.mcp.AddTool(newTool(t), s.handler(t.Name()))
	}
	logger.Debug("mcp tools registered", slog.Int("count", len(registry.List())))
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// HTTPHandler returns the streamable HTTP transport, to be mounted at
// EndpointPath behind the request guard.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(EndpointPath))
}

// ServeStdio speaks JSON-RPC over in/out until ctx is canceled or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp stdio transport started")
	return stdio.Listen(ctx, in, out)
}

// handler adapts a registry tool to an MCP tool handler. Invocation errors
// become error results so the client sees the message.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.registry.Invoke(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError("ERROR: " + err.Error()), nil
		}
		out := mcp.NewToolResultText(res.Output)
		out.IsError = !res.Success
		return out, nil
	}
}

// newTool converts a tool's parameter declaration to an MCP tool definition.
func newTool(t tools.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description())}
	for _, p := range t.Params() {
		props := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			props = append(props, mcp.Required())
		}
		switch p.Type {
		case tools.TypeNumber:
			if d, ok := p.Default.(float64); ok {
				props = append(props, mcp.DefaultNumber(d))
			}
			opts = append(opts, mcp.WithNumber(p.Name, props...))
		default:
			if d, ok := p.Default.(string); ok {
				props = append(props, mcp.DefaultString(d))
			}
			if len(p.Enum) > 0 {
				props = append(props, mcp.Enum(p.Enum...))
			}
			opts = append(opts, mcp.WithString(p.Name, props...))
		}
	}
	return mcp.NewTool(t.Name(), opts...)
}
