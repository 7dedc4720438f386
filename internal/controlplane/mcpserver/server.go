// Package mcpserver exposes the scheduler control plane as MCP tools and
// resources, so conversational agents can inspect and steer schedules over
// the same command/query services the HTTP API uses.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/adjutant/internal/controlplane/events"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

// Version is injected from the control-plane build metadata.
var Version = "dev"

// MCPServer exposes schedule capabilities as MCP tools/resources.
type MCPServer struct {
	server   *mcp.Server
	handler  http.Handler
	commands *schedules.CommandService
	queries  *schedules.QueryService
	eventBus *events.Bus
	logger   *zap.Logger
}

// New creates and wires the MCP server surface.
func New(
	commands *schedules.CommandService,
	queries *schedules.QueryService,
	eventBus *events.Bus,
	logger *zap.Logger,
) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "adjutant",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:   srv,
		commands: commands,
		queries:  queries,
		eventBus: eventBus,
		logger:   logger.Named("mcp"),
	}

	m.registerTools()
	m.registerResources()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
