package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/commands"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/queue"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/search"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/tracing"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/workflow"
)

// Dependencies are the services behind the HTTP surface. Engine and Indexer
// are optional: their routes answer 503 when they are nil.
type Dependencies struct {
	Store    eventstore.EventStore
	Commands *commands.Service
	Queue    *queue.Queue
	Engine   *workflow.Engine
	Indexer  *search.EventIndexer
	Tracer   tracing.Tracer
}

// Server represents the HTTP server
type Server struct {
	config     config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	if deps.Tracer == nil {
		deps.Tracer = tracing.Disabled()
	}
	server := &Server{
		config: cfg,
		deps:   deps,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	if app := s.deps.Tracer.Application(); app != nil {
		router.Use(nrgin.Middleware(app))
	}
	if s.config.CorsEnabled {
		router.Use(CORSMiddleware(s.config.CorsOrigins))
	}
	router.Use(CorrelationMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(MetricsMiddleware())

	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	router.GET("/health", s.getHealth)
	router.GET("/metrics", s.getMetrics)

	v1 := router.Group("/api/v1")

	events := v1.Group("/events")
	{
		events.POST("", s.appendEvent)
		events.GET("/failed", s.listFailedEvents)
		events.POST("/failed/reprocess", s.reprocessFailedEvents)
		events.GET("/search", s.searchEvents)
		events.GET("/:id", s.getEvent)
		events.POST("/:id/reprocess", s.reprocessEvent)
	}
	v1.GET("/streams/:id", s.getStream)
	v1.GET("/correlations/:id", s.getCorrelation)
	v1.GET("/traces/:id", s.getTrace)

	organizations := v1.Group("/organizations")
	{
		organizations.POST("/bootstrap", s.initiateBootstrap)
		organizations.GET("/:id", s.getOrganization)
		organizations.GET("/:id/units", s.listOrganizationUnits)
		organizations.POST("/:id/deactivate", s.deactivateOrganization)
	}
	units := v1.Group("/organization-units")
	{
		units.POST("", s.createOrganizationUnit)
		units.GET("/:id", s.getOrganizationUnit)
		units.POST("/:id/deactivate", s.deactivateOrganizationUnit)
		units.DELETE("/:id", s.deleteOrganizationUnit)
	}
	v1.POST("/role-assignments", s.assignRole)
	v1.POST("/invitations/:id/revoke", s.revokeInvitation)
	v1.POST("/links", s.linkEntities)
	v1.DELETE("/links", s.unlinkEntities)

	jobs := v1.Group("/queue")
	{
		jobs.GET("", s.listJobs)
		jobs.GET("/:id", s.getJob)
	}
	workflows := v1.Group("/workflows")
	{
		workflows.GET("", s.listWorkflows)
		workflows.GET("/:id", s.getWorkflow)
		workflows.POST("/:id/signals/:name", s.signalWorkflow)
		workflows.POST("/:id/cancel", s.cancelWorkflow)
	}

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
