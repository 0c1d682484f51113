package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/indexer"
	"github.com/dshills/osgrep/internal/store"
	"github.com/dshills/osgrep/pkg/types"
)

const (
	// ServerName is the MCP server name
	ServerName = "osgrep"
)

// ServerVersion is reported to MCP clients. cmd/osgrep overrides it with the
// build version.
var ServerVersion = "dev"

// Backend is the project the tools operate on. *engine.Engine implements it.
type Backend interface {
	Search(ctx context.Context, query string, p engine.SearchParams) ([]types.SearchResult, error)
	Ask(ctx context.Context, question string, p engine.SearchParams) (*store.AskResponse, error)
	Index(ctx context.Context, opts engine.IndexOptions) (*indexer.Statistics, error)
	Status(ctx context.Context) (*engine.Status, error)
}

// Server wraps the MCP server with the project it serves
type Server struct {
	mcp     *server.MCPServer
	backend Backend
	logger  *slog.Logger
}

// NewServer creates an MCP server for one project
func NewServer(b Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp:     server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		backend: b,
		logger:  logger,
	}
	s.registerTools()
	return s
}

// Serve runs the MCP protocol on stdio and blocks until stdin closes or ctx
// is cancelled. Logs must not go to stdout while this runs.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio", "name", ServerName, "version", ServerVersion)
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(indexCodebaseTool(), s.handleIndexCodebase)
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
	s.mcp.AddTool(askCodebaseTool(), s.handleAskCodebase)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
