// Package mcpserver exposes dispatcher operations as MCP tools so operator
// agents can inspect queues, jobs, worktrees and the kanban board over the
// same process that serves HTTP.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/workspace"
)

// MCPServer wires the tool surface over the workspace registry.
type MCPServer struct {
	server   *mcp.Server
	handler  http.Handler
	registry *workspace.Registry
	logger   *zap.Logger
}

// New creates the MCP surface. Version goes into the server implementation
// banner clients see on initialize.
func New(registry *workspace.Registry, version string, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if version == "" {
		version = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "skybridge",
		Version: version,
	}, nil)

	m := &MCPServer{
		server:   srv,
		registry: registry,
		logger:   logger.Named("mcp"),
	}
	m.registerTools()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (m *MCPServer) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}
