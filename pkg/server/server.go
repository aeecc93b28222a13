// Package server exposes forged's HTTP surface: the job management
// API, a health endpoint, and Prometheus metrics.
//
// The server owns no orchestration state. Every operation goes through
// the job store's status guards, so requests racing the orchestrator
// fail cleanly instead of corrupting a run.
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
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/events"
	"github.com/fyrsmithlabs/forged/internal/store"
	"github.com/fyrsmithlabs/forged/internal/workflow"
)

// Config holds the listener settings.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	ServiceName     string
}

// Server is the HTTP front door.
type Server struct {
	cfg    Config
	store  *store.Store
	events *events.Publisher
	logger *zap.Logger
	echo   *echo.Echo
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// New builds the server. The event publisher may be nil; lifecycle
// events are then skipped.
func New(cfg Config, st *store.Store, pub *events.Publisher, logger *zap.Logger) (*Server, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:    cfg,
		store:  st,
		events: pub,
		logger: logger,
		echo:   e,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/jobs", s.handleCreateJob)
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.GET("/jobs/:id/tasks", s.handleListTasks)
	v1.GET("/jobs/:id/artifacts", s.handleListArtifacts)
	v1.POST("/jobs/:id/approve", s.handleApprove)
	v1.POST("/jobs/:id/request-changes", s.handleRequestChanges)
	v1.POST("/jobs/:id/cancel", s.handleCancel)
	v1.POST("/jobs/:id/restart", s.handleRestart)
	v1.POST("/jobs/:id/resume", s.handleResume)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.cfg.ServiceName,
	})
}

type createJobRequest struct {
	ProjectID    string `json:"project_id"`
	Requirements string `json:"requirements"`
}

func (s *Server) handleCreateJob(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.ProjectID == "" || req.Requirements == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id and requirements are required")
	}

	job, err := s.store.CreateJob(c.Request().Context(), req.ProjectID, req.Requirements)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) handleListJobs(c echo.Context) error {
	jobs, err := s.store.ListJobs(c.Request().Context(), store.Status(c.QueryParam("status")))
	if err != nil {
		return s.storeError(c, err)
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleGetJob(c echo.Context) error {
	job, err := s.store.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks, err := s.store.ListTasks(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleListArtifacts(c echo.Context) error {
	artifacts, err := s.store.ListArtifacts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	if artifacts == nil {
		artifacts = []store.Artifact{}
	}
	return c.JSON(http.StatusOK, artifacts)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApprove(c echo.Context) error {
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	job, err := s.store.ApproveJob(c.Request().Context(), c.Param("id"), req.Notes)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleRequestChanges(c echo.Context) error {
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Notes == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "notes are required when requesting changes")
	}
	job, err := s.store.RequestChanges(c.Request().Context(), c.Param("id"), req.Notes)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	job, err := s.store.CancelJob(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return s.storeError(c, err)
	}

	// No orchestrator owns a canceled job, so the abort event is emitted
	// here by the caller that performed the cancel.
	s.emit(events.Event{
		Type:      events.JobAborted,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Stage:     job.Stage,
		Detail:    req.Reason,
	})
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleRestart(c echo.Context) error {
	job, err := s.store.RestartJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

type resumeRequest struct {
	Stage string `json:"stage"`
}

func (s *Server) handleResume(c echo.Context) error {
	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	stage := workflow.Stage(req.Stage)
	if !workflow.IsResumable(stage) {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("stage %q is not a resume point", req.Stage))
	}
	job, err := s.store.ResumeJob(c.Request().Context(), c.Param("id"), stage)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// storeError maps store sentinels onto HTTP statuses. Guard violations
// are conflicts: the request was well-formed but the job's state forbids
// the operation.
func (s *Server) storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrJobEnded),
		errors.Is(err, store.ErrNotFailed),
		errors.Is(err, store.ErrNoTruth),
		errors.Is(err, store.ErrMissingContent):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("store operation failed",
			zap.String("path", c.Path()),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) emit(e events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Emit(e); err != nil {
		s.logger.Warn("event emission failed",
			zap.String("event", string(e.Type)),
			zap.String("job_id", e.JobID),
			zap.Error(err))
	}
}

// Start runs the listener until ctx is canceled, then shuts down
// gracefully within the configured timeout. Returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying router for registering extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
