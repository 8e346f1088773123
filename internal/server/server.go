// Package server exposes the run status over HTTP.
//
// The server carries three read-only endpoints: GET /health, GET
// /report with the live export document, and GET /metrics for
// Prometheus scrapes. Shutdown is graceful and context driven.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/report"
	"github.com/fyrsmithlabs/scorepipe/internal/scheduler"
)

// Server is the status HTTP server for one run.
type Server struct {
	cfg      config.ServerConfig
	echo     *echo.Echo
	sched    *scheduler.Scheduler
	exporter *report.Exporter
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
	State  string `json:"state"`
}

// New creates the status server over a scheduler and its exporter.
func New(cfg config.ServerConfig, sched *scheduler.Scheduler, exporter *report.Exporter) (*Server, error) {
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if exporter == nil {
		return nil, errors.New("exporter is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:      cfg,
		echo:     e,
		sched:    sched,
		exporter: exporter,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/report", s.handleReport)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		RunID:  s.sched.RunID(),
		State:  string(s.sched.State()),
	})
}

// handleReport serves the live export document, including mid-run.
func (s *Server) handleReport(c echo.Context) error {
	return c.JSON(http.StatusOK, s.exporter.Export())
}

// Start serves until ctx is cancelled, then shuts down gracefully.
// Returns http.ErrServerClosed on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout.Duration()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
