// Package server exposes the orchestrator over HTTP: the native workflow
// API with SSE streaming, an OpenAI-compatible facade, and the MCP tool
// endpoints backed by the code service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"makerd/internal/checkpoint"
	"makerd/internal/config"
	convo "makerd/internal/context"
	"makerd/internal/kv"
	"makerd/internal/logging"
	"makerd/internal/workflow"
)

// Server wires the HTTP surface to the orchestrator and its services.
type Server struct {
	orch        *workflow.Orchestrator
	contexts    *convo.Manager
	store       kv.Store
	tools       *ToolService
	checkpoints *checkpoint.Manager
	cfg         *config.Config
	zlog        *zap.Logger
	http        *http.Server
}

// New builds the server. tools and checkpoints may be nil; the matching
// endpoints then report the capability as unavailable.
func New(orch *workflow.Orchestrator, contexts *convo.Manager, store kv.Store,
	tools *ToolService, checkpoints *checkpoint.Manager, cfg *config.Config) *Server {
	return &Server{
		orch:        orch,
		contexts:    contexts,
		store:       store,
		tools:       tools,
		checkpoints: checkpoints,
		cfg:         cfg,
	}
}

// SetRequestLogger enables per-request logging through the process
// logger.
func (s *Server) SetRequestLogger(l *zap.Logger) {
	s.zlog = l
}

// Router assembles the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if s.zlog != nil {
		r.Use(func(c *gin.Context) {
			start := time.Now()
			c.Next()
			s.zlog.Info("request",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}

	r.GET("/health", s.Health)

	api := r.Group("/api")
	{
		api.POST("/workflow", s.RunWorkflow)
		api.GET("/task/:id", s.GetTask)
		api.GET("/context/:session", s.GetContextStats)
		api.POST("/compact", s.CompactContext)
		api.POST("/clear/:session", s.ClearSession)
		api.GET("/sessions", s.ListSessions)
		api.POST("/session/:id/resume", s.ResumeSession)
		api.POST("/session/:id/save", s.SaveSession)
		api.POST("/session/:id/checkpoint", s.CreateCheckpoint)
		api.POST("/clarify/:task_id", s.SubmitClarification)

		api.GET("/mcp/tools", s.ListTools)
		api.POST("/mcp/tool", s.CallTool)
	}

	r.POST("/v1/chat/completions", s.ChatCompletions)
	r.GET("/v1/models", s.ListModels)

	return r
}

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		logging.Server("listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Health reports liveness and a KV round-trip check.
func (s *Server) Health(c *gin.Context) {
	status := "healthy"
	kvStatus := "ok"
	if _, err := s.store.Scan("health:"); err != nil {
		status = "degraded"
		kvStatus = err.Error()
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"kv":     kvStatus,
	})
}
