package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/syncer"
)

// ErrSyncDisabled is returned by kb_sync when no sync engine is configured.
var ErrSyncDisabled = errors.New("sync is not configured")

// Store is the local store surface the tools call.
type Store interface {
	Capture(ctx context.Context, req *pattern.CaptureRequest) (*pattern.ErrorPattern, error)
	AddSolution(ctx context.Context, req *pattern.AddSolutionRequest) (*pattern.Solution, error)
	RecordFeedback(ctx context.Context, req *pattern.FeedbackRequest) (*pattern.Solution, error)
	Search(ctx context.Context, query string, limit int) ([]pattern.SearchResult, error)
	Match(ctx context.Context, raw, language string, limit int) ([]pattern.Match, error)
	GetSummary(ctx context.Context) (*pattern.Summary, error)
	Stats(ctx context.Context) (*pattern.Stats, error)
	RecentEvents(ctx context.Context, limit int, typ pattern.EventType) ([]pattern.Event, error)
	Seed(ctx context.Context, pack *pattern.SeedPack) (*pattern.SeedResult, error)
}

// Syncer runs one sync cycle on demand.
type Syncer interface {
	RunOnce(ctx context.Context) (syncer.Summary, error)
}

// Server is an MCP server over a local pattern store.
type Server struct {
	mcp      *mcp.Server
	store    Store
	syncer   Syncer
	registry *ToolRegistry
	metrics  *Metrics
	logger   *zap.Logger
	config   *Config
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients.
	Name string

	// Version is the server version reported to clients.
	Version string

	Logger *zap.Logger

	// Meter overrides the global meter for tool metrics.
	Meter metric.Meter

	// DefaultLimit bounds search and match when the caller passes none.
	DefaultLimit int

	// SeedsDir holds framework seed packs for kb_seed.
	SeedsDir string
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:         "errorkb",
		Version:      "dev",
		Logger:       zap.NewNop(),
		DefaultLimit: 5,
	}
}

// NewServer creates an MCP server and registers its tools. sync may be nil,
// in which case kb_sync reports ErrSyncDisabled.
func NewServer(cfg *Config, store Store, sync Syncer) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "errorkb"
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		store:    store,
		syncer:   sync,
		registry: NewToolRegistry(),
		metrics:  NewMetrics(cfg.Meter, cfg.Logger),
		logger:   cfg.Logger,
		config:   cfg,
	}
	s.registerTools()
	return s, nil
}

// Registry returns the index of registered tools.
func (s *Server) Registry() *ToolRegistry {
	return s.registry
}

// MCPServer returns the underlying SDK server, for callers that connect a
// transport other than stdio.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Run serves MCP on stdin/stdout until ctx is done or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

func (s *Server) limit(n int) int {
	if n <= 0 {
		return s.config.DefaultLimit
	}
	return n
}
