package server

import (
	"context"
	"log/slog"
	"net/http"
	"order-reconciler/internal/live"
	"order-reconciler/internal/repo"
	"order-reconciler/internal/service"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

type Deps struct {
	Store      repo.Store
	Engine     service.TransitionEngine
	Locks      service.LockManager
	Reconciler service.Reconciler
	Notifier   *live.Notifier
	// Health reports dependency status; nil reports only the process.
	Health func(ctx context.Context) map[string]string

	WebhookSecret string
	CORSOrigins   []string
	Logger        *slog.Logger
}

type Server struct {
	deps   Deps
	log    *slog.Logger
	engine *gin.Engine
}

func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{deps: deps, log: log.With("component", "http")}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     deps.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-Admin-Id"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	s.engine = r
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.handleHealth)
	r.POST("/webhooks/payment", s.handleWebhook)

	api := r.Group("/api")
	api.POST("/payments/:reference/verify", s.handleVerify)
	api.POST("/reconcile/batch", s.handleBatch)

	orders := api.Group("/orders/:id")
	orders.GET("", s.handleGetOrder)
	orders.POST("/transition", s.handleTransition)
	orders.POST("/lock", s.handleAcquireLock)
	orders.GET("/lock", s.handleInspectLock)
	orders.DELETE("/lock", s.handleReleaseLock)
	orders.GET("/live", s.handleLive)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// NewHTTPServer wraps h with the timeouts used in production. The live stream
// holds its response open, so there is no write timeout.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
