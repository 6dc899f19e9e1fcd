// Package http provides the chaind status API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/registry"
	"github.com/fyrsmithlabs/chaind/internal/session"
)

// Server provides HTTP endpoints for inspecting chaind state. Chain
// execution itself goes over MCP; this surface is diagnostics only.
type Server struct {
	echo     *echo.Echo
	sessions session.Service
	catalog  *registry.Catalog
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(sessions session.Service, catalog *registry.Catalog, logger *zap.Logger, cfg *Config) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("definition catalog is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9464,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		sessions: sessions,
		catalog:  catalog,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/chains", s.handleChains)
	v1.GET("/sessions/:id", s.handleSession)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ChainsResponse is the response body for GET /api/v1/chains.
type ChainsResponse struct {
	Chains   []string  `json:"chains"`
	LoadedAt time.Time `json:"loaded_at"`
}

// GateReviewView summarizes a pending gate review.
type GateReviewView struct {
	Step           int      `json:"step"`
	GateIDs        []string `json:"gate_ids"`
	Attempts       int      `json:"attempts"`
	MaxAttempts    int      `json:"max_attempts"`
	RetryExhausted bool     `json:"retry_exhausted"`
}

// StepView summarizes one captured step record.
type StepView struct {
	Step        int    `json:"step"`
	State       string `json:"state"`
	Placeholder bool   `json:"placeholder"`
}

// SessionResponse is the response body for GET /api/v1/sessions/:id.
type SessionResponse struct {
	SessionID   string          `json:"session_id"`
	ChainID     string          `json:"chain_id"`
	CurrentStep int             `json:"current_step"`
	TotalSteps  int             `json:"total_steps"`
	Completed   bool            `json:"completed"`
	Aborted     bool            `json:"aborted"`
	RetryCount  int             `json:"retry_count"`
	Steps       []StepView      `json:"steps,omitempty"`
	Gate        *GateReviewView `json:"gate,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleChains(c echo.Context) error {
	return c.JSON(http.StatusOK, ChainsResponse{
		Chains:   s.catalog.ChainIDs(),
		LoadedAt: s.catalog.LoadedAt(),
	})
}

func (s *Server) handleSession(c echo.Context) error {
	id := c.Param("id")

	sess, err := s.sessions.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		s.logger.Error("session lookup failed", zap.String("session_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "session lookup failed")
	}

	resp := SessionResponse{
		SessionID:   sess.SessionID,
		ChainID:     sess.ChainID,
		CurrentStep: sess.CurrentStep,
		TotalSteps:  sess.TotalSteps,
		Completed:   sess.Completed(),
		Aborted:     sess.Aborted,
		RetryCount:  sess.RetryCount,
		UpdatedAt:   sess.UpdatedAt,
	}
	for step := 1; step <= sess.TotalSteps; step++ {
		rec := sess.StepRecordFor(step)
		if rec == nil {
			continue
		}
		resp.Steps = append(resp.Steps, StepView{
			Step:        step,
			State:       string(rec.State),
			Placeholder: rec.IsPlaceholder,
		})
	}
	if review := sess.PendingGateReview; review != nil {
		resp.Gate = &GateReviewView{
			Step:           review.Step,
			GateIDs:        review.GateIDs,
			Attempts:       review.AttemptCount,
			MaxAttempts:    review.MaxAttempts,
			RetryExhausted: review.RetryLimitExceeded,
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
