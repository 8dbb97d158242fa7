// Package server is the HTTP surface: routing, middleware and handlers for
// ingestion, chat, scraping and operational endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"folio/internal/config"
	"folio/internal/llm"
	"folio/internal/observability"
	"folio/internal/rag"
	"folio/internal/scraper"
	"folio/internal/shared/logging"
)

// Version is the reported service version.
const Version = "1.0.0"

// Server hosts the HTTP API.
type Server struct {
	cfg     *config.Config
	chat    *rag.Chat
	store   rag.DocumentStore
	scraper *scraper.Scraper
	router  *llm.Router
	redis   *redis.Client
	metrics *observability.MetricsCollector
	logger  logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
}

// New wires the server. redisClient and metrics may be nil; the affected
// endpoints degrade gracefully.
func New(cfg *config.Config, chat *rag.Chat, store rag.DocumentStore, scr *scraper.Scraper, router *llm.Router, redisClient *redis.Client, metrics *observability.MetricsCollector, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	s := &Server{
		cfg:       cfg,
		chat:      chat,
		store:     store,
		scraper:   scr,
		router:    router,
		redis:     redisClient,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		engine:    engine,
		startTime: time.Now(),
	}

	engine.Use(gin.Logger())
	engine.Use(s.recoveryMiddleware())
	engine.Use(s.metricsMiddleware())
	engine.Use(cors.New(s.corsConfig()))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // routed chat can take several provider attempts
	}
	return s
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) corsConfig() cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}

	allowAll := false
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
	}
	if allowAll {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	return corsCfg
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleServiceInfo)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/health/ready", s.handleReady)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.engine.POST("/ingest", s.handleIngest)
	s.engine.DELETE("/embeddings/:id", s.handleDeleteEmbedding)

	s.engine.POST("/chat", s.handleChat)
	s.engine.GET("/chat/welcome", s.handleWelcome)
	s.engine.POST("/chat/welcome", s.handleWelcome)

	s.engine.POST("/extract", s.handleExtract)
	s.engine.POST("/scrape/job-posting", s.handleScrapeJobPosting)
}

// recoveryMiddleware converts panics into an opaque 500 so internals never
// leak to clients.
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		s.logger.Error("panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}
