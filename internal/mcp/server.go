package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/gate"
	"github.com/fyrsmithlabs/chaind/internal/injection"
	"github.com/fyrsmithlabs/chaind/internal/pipeline"
	"github.com/fyrsmithlabs/chaind/internal/registry"
	"github.com/fyrsmithlabs/chaind/internal/session"
)

// Server exposes chain execution tools over MCP.
type Server struct {
	mcp        *mcp.Server
	sessions   session.Service
	catalog    *registry.Catalog
	stage      *pipeline.CaptureStage
	authority  *gate.Authority
	injections *injection.Authority
	metrics    *Metrics
	logger     *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "chaind")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "chaind",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server with the given services.
func NewServer(
	cfg *Config,
	sessions session.Service,
	catalog *registry.Catalog,
	stage *pipeline.CaptureStage,
	authority *gate.Authority,
	injections *injection.Authority,
) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("definition catalog is required")
	}
	if stage == nil {
		return nil, fmt.Errorf("capture stage is required")
	}
	if authority == nil {
		return nil, fmt.Errorf("gate authority is required")
	}
	if injections == nil {
		return nil, fmt.Errorf("injection authority is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:        mcpServer,
		sessions:   sessions,
		catalog:    catalog,
		stage:      stage,
		authority:  authority,
		injections: injections,
		metrics:    NewMetrics(cfg.Logger),
		logger:     cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
