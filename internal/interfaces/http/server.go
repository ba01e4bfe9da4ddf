// Package http exposes the approval service over a gin router.
// Handlers translate requests into service calls and apperr kinds into
// status codes.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/application/service"
)

// APIPrefix is where the approval routes are mounted
const APIPrefix = "/api/approval"

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Authorizer decides whether a principal may perform an action
type Authorizer interface {
	Allowed(principal *port.Principal, action string) (bool, error)
}

// MetricsRecorder observes served requests and serves the scrape endpoint
type MetricsRecorder interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
	Handler() http.Handler
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// DevUserHeader, when set, names a header trusted as the caller's user
	// ref if no bearer token is sent. Never enable in production.
	DevUserHeader string

	// DefaultApprovers applies when a create request omits approvers
	DefaultApprovers []string

	// RestrictCreate checks the create permission on POST /approvals.
	// Off, any authenticated caller may open a request.
	RestrictCreate bool
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:             "0.0.0.0",
		Port:             7007,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		DefaultApprovers: []string{"group:default/admins"},
	}
}

// Dependencies groups the server collaborators. Authorizer and Metrics are
// optional; without an Authorizer every authenticated caller is allowed.
type Dependencies struct {
	Service    service.ApprovalService
	Identity   port.IdentityResolver
	Authorizer Authorizer
	Metrics    MetricsRecorder
	Logger     Logger

	// Health reports readiness of backing components; nil means always ok
	Health func(ctx context.Context) error
}

// Server is the HTTP server adapter
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	deps       Dependencies
	logger     Logger
}

// NewServer creates a new HTTP server
func NewServer(config ServerConfig, deps Dependencies) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		config: config,
		router: gin.New(),
		deps:   deps,
		logger: deps.Logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	if s.deps.Metrics != nil {
		s.router.Use(s.metricsMiddleware())
	}
}

// loggingMiddleware logs one line per request
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.deps.Metrics.ObserveHTTP(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) setupRoutes() {
	h := NewHandlers(s.deps.Service, s.config.DefaultApprovers, s.logger)
	h.health = s.deps.Health
	auth := newAuthenticator(s.deps.Identity, s.deps.Authorizer, s.config.DevUserHeader, s.logger)

	s.router.GET("/health", h.HealthCheck)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := s.router.Group(APIPrefix, auth.authenticate())
	{
		if s.config.RestrictCreate {
			api.POST("/approvals", auth.require(actionCreate), h.CreateApproval)
		} else {
			api.POST("/approvals", h.CreateApproval)
		}
		api.GET("/approvals", auth.require(actionRead), h.ListApprovals)
		api.GET("/approvals/:id", auth.require(actionRead), h.GetApproval)
		api.PUT("/approvals/:id/status", auth.require(actionUpdate), h.UpdateStatus)
		api.GET("/approvals/:id/decisions", auth.require(actionRead), h.ListDecisions)
	}
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
