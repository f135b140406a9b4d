// Package http serves the central pattern store over JSON/HTTP and provides
// the matching client used by the sync engine.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/syncer"
)

// Backend is the central store behind the API.
type Backend interface {
	syncer.Central
	GetPattern(ctx context.Context, id string) (*pattern.ErrorPattern, error)
	ListSolutions(ctx context.Context, patternID string) ([]pattern.Solution, error)
	Search(ctx context.Context, raw, language string, limit int) ([]pattern.Match, error)
	GetSummary(ctx context.Context) (*pattern.Summary, error)
	Ping(ctx context.Context) error
}

// Server provides the central HTTP API.
type Server struct {
	echo    *echo.Echo
	store   Backend
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Token, when set, is required as a bearer token on /api/v1.
	Token string

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// SearchLimit is used when a search omits limit.
	SearchLimit int
}

// NewServer creates a new HTTP server.
func NewServer(store Backend, logger *zap.Logger, cfg *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9090,
		}
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 10
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	s := &Server{
		echo:    e,
		store:   store,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	if s.config.Token != "" {
		v1.Use(s.bearerAuth())
	}
	v1.POST("/patterns/find-or-create", s.handleFindOrCreatePattern)
	v1.GET("/patterns/search", s.handleSearch)
	v1.GET("/patterns/:id", s.handleGetPattern)
	v1.POST("/solutions/find-or-create", s.handleFindOrCreateSolution)
	v1.POST("/solutions/:id/feedback", s.handleFeedback)
	v1.POST("/sync-records", s.handleSyncRecord)
	v1.GET("/summary", s.handleSummary)
}

func (s *Server) bearerAuth() echo.MiddlewareFunc {
	want := []byte(s.config.Token)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), want) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid bearer token")
		},
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.Addr()))
	if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
