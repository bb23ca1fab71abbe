// Package server wraps the MCP server that exposes synthkit jobs to
// agent clients.
package server

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Name is reported to clients during initialization.
const Name = "synthkit"

// Server wraps the MCP server with its logger.
type Server struct {
	mcp    *mcp.Server
	logger *slog.Logger
}

// New creates an MCP server reporting the given version.
func New(version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	impl := &mcp.Implementation{
		Name:    Name,
		Version: version,
	}

	return &Server{
		mcp:    mcp.NewServer(impl, nil),
		logger: logger.With("component", "mcp"),
	}
}

// Run serves on stdio and blocks until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport serves on t.
func (s *Server) RunTransport(ctx context.Context, t mcp.Transport) error {
	s.logger.Info("starting MCP server")
	return s.mcp.Run(ctx, t)
}

// MCPServer returns the underlying MCP server for tool registration.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Setup installs request logging.
func (s *Server) Setup() {
	s.mcp.AddReceivingMiddleware(LoggingMiddleware(s.logger))
}
