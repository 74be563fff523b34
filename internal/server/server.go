package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/icsara/docpipe/internal/manager"
)

// Server is the HTTP front of the pipeline. All it does is translate requests
// into JobManager calls and domain errors into status codes.
type Server struct {
	manager *manager.JobManager
	logger  *slog.Logger
	apiKeys []string
	http    *http.Server
}

func New(addr string, apiKeys []string, mgr *manager.JobManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: mgr,
		logger:  logger,
		apiKeys: apiKeys,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the gin engine. Exposed separately so tests can drive the
// handlers without binding a port.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/v1", apiKeyAuth(s.apiKeys))
	{
		v1.POST("/jobs", s.handleCreateJob)
		v1.GET("/jobs/:id", s.handleGetStatus)
		v1.GET("/jobs/:id/result", s.handleGetResult)
		v1.GET("/jobs/:id/result/preguntas_clasificadas.json", s.handleGetClassified)
		v1.GET("/jobs/:id/artifacts/:name", s.handleGetArtifact)
		v1.DELETE("/jobs/:id", s.handleDeleteJob)
	}
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
