package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"forgeline/internal/ai"
	"forgeline/internal/logging"
	"forgeline/internal/pipeline"
	"forgeline/internal/store"
)

// Server wires the run lifecycle endpoints to the orchestrator.
type Server struct {
	engine *gin.Engine
	hub    *Hub
	orch   *pipeline.Orchestrator
	store  *store.Store
}

// New builds the router. store may be nil for a storage-less deployment;
// the backend-connection endpoint then returns 501.
func New(orch *pipeline.Orchestrator, st *store.Store) *Server {
	hub := NewHub()
	go hub.Run()

	s := &Server{
		engine: gin.New(),
		hub:    hub,
		orch:   orch,
		store:  st,
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Shutdown stops the WebSocket hub.
func (s *Server) Shutdown() { s.hub.Shutdown() }

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws/runs/:id", s.hub.HandleWebSocket)

	api := s.engine.Group("/api")
	{
		api.POST("/generate", s.generate)
		api.GET("/runs/:id", s.runStatus)
		api.POST("/runs/:id/cancel", s.cancelRun)
		api.POST("/runs/:id/resume", s.resumeRun)
		api.POST("/projects/:id/backend", s.connectBackend)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.L().Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

type generateRequest struct {
	Prompt        string            `json:"prompt" binding:"required"`
	ProjectID     uint              `json:"project_id"`
	UserID        uint              `json:"user_id"`
	ExistingFiles map[string]string `json:"existing_files"`
	Images        []ai.Image        `json:"images"`
}

func (s *Server) generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bridge := NewEventBridge(s.hub)
	run := s.orch.Start(pipeline.BuildRequest{
		Prompt:        req.Prompt,
		ProjectID:     req.ProjectID,
		UserID:        req.UserID,
		ExistingFiles: req.ExistingFiles,
		Images:        req.Images,
	}, bridge)
	bridge.Bind(run.ID)

	c.JSON(http.StatusAccepted, gin.H{
		"run_id": run.ID,
		"status": run.Status(),
		"events": "/ws/runs/" + run.ID,
	})
}

func (s *Server) runStatus(c *gin.Context) {
	run, ok := s.orch.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	usage := run.State.Cost.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"run_id": run.ID,
		"status": run.Status(),
		"files":  run.State.FileCount(),
		"usage":  usage,
	})
}

func (s *Server) cancelRun(c *gin.Context) {
	if err := s.orch.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) resumeRun(c *gin.Context) {
	if err := s.orch.Resume(c.Param("id")); err != nil {
		status := http.StatusConflict
		if errors.Is(err, pipeline.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": pipeline.RunRunning})
}

type connectBackendRequest struct {
	Provider string `json:"provider" binding:"required"`
	RunID    string `json:"run_id"`
}

// connectBackend records the project's backend connection and, when a run
// is waiting on it, resumes that run.
func (s *Server) connectBackend(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "persistence not configured"})
		return
	}

	var req connectBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	projectID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}

	if err := s.store.ConnectBackend(c.Request.Context(), projectID, req.Provider); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record backend connection"})
		return
	}

	resumed := false
	if req.RunID != "" {
		if err := s.orch.Resume(req.RunID); err != nil {
			logging.L().Warn("resume after backend connect",
				zap.String("run_id", req.RunID), zap.Error(err))
		} else {
			resumed = true
		}
	}

	c.JSON(http.StatusOK, gin.H{"connected": true, "resumed": resumed})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func parseUintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}
