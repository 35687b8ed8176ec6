// Package api serves the agent's local REST API: session status, the peer
// roster, broadcast control and query issuing.
package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/dashboard"
	"github.com/energizer-project/edgeagent/internal/agent"
	"github.com/energizer-project/edgeagent/internal/broadcast"
	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/connector"
	"github.com/energizer-project/edgeagent/internal/db"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/health"
	"github.com/energizer-project/edgeagent/internal/network"
	"github.com/energizer-project/edgeagent/internal/util"
)

// Session is the chat server session the API reports on and drives.
type Session interface {
	Status() connector.Status
	Peers() []agent.Peer
	Pending() []agent.PendingQuery
	SendQuery(to uint32, cmd, val string) (agent.PendingQuery, error)
	SendVirtualCameraState(active bool) bool
	Reconnect() bool
}

// StreamHost is the local broadcast state the API can change.
type StreamHost interface {
	SetState(s broadcast.State)
	SetProfile(name string) error
	StartStream() error
	StopStream() error
	Snapshot() broadcast.Snapshot
}

// History is the journal read side.
type History interface {
	Peers() ([]db.PeerRecord, error)
	RecentQueries(limit int) ([]db.QueryRecord, error)
	RecentEvents(eventType string, limit int) ([]db.EventRecord, error)
}

// HealthReporter exposes the latest health check results.
type HealthReporter interface {
	Report() []health.Result
}

// Server is the REST API server.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	session  Session
	host     StreamHost
	version  string

	// Optional
	history History
	metrics http.Handler
	health  HealthReporter

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, session Session, host StreamHost, version string) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		session:  session,
		host:     host,
		version:  version,
	}
}

// SetDependencies injects the optional journal and metrics handler. Routes
// for a missing dependency answer 503.
func (s *Server) SetDependencies(history History, metrics http.Handler) {
	s.history = history
	s.metrics = metrics
}

// SetHealth injects the health manager behind /api/health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Start serves the API until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var tlsConfig *tls.Config
	if apiCfg.TLSEnabled {
		var err error
		if tlsConfig, err = loadTLSConfig(apiCfg); err != nil {
			return err
		}
		s.httpServer.TLSConfig = tlsConfig
	}

	ln, err := network.Listen(ctx, addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func loadTLSConfig(apiCfg config.APIConfig) (*tls.Config, error) {
	generated, err := util.EnsureCertificate(apiCfg.TLSCertFile, apiCfg.TLSKeyFile,
		[]string{"localhost", "127.0.0.1", util.GetSystemInfo().Hostname})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare API certificate: %w", err)
	}
	if generated {
		log.Warn().Str("cert", apiCfg.TLSCertFile).Msg("serving the API with a self-signed certificate")
	}

	cert, err := tls.LoadX509KeyPair(apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load API certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", apiKeyHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleVersion)
	}

	protected := router.Group("/api")
	protected.Use(RequireAPIKey(apiCfg.APIKey))
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/peers", s.handlePeers)
		protected.GET("/pending", s.handlePending)
		protected.GET("/host", s.handleHost)
		protected.POST("/query", s.handleQuery)
		protected.POST("/reconnect", s.handleReconnect)

		protected.POST("/broadcast/state", s.handleSetState)
		protected.POST("/broadcast/vcam", s.handleVirtualCamera)
		protected.POST("/broadcast/profile", s.handleSetProfile)
		protected.POST("/broadcast/start", s.handleStartStream)
		protected.POST("/broadcast/stop", s.handleStopStream)

		protected.GET("/history/peers", s.handleHistoryPeers)
		protected.GET("/history/queries", s.handleHistoryQueries)
		protected.GET("/history/events", s.handleHistoryEvents)

		protected.GET("/health", s.handleHealth)

		protected.GET("/config", s.handleGetConfig)
		protected.POST("/config/agent", s.handleSetAgentField)
	}

	router.GET("/metrics", RequireAPIKey(apiCfg.APIKey), s.handleMetrics)

	// The status page is public; it asks for the API key and calls the
	// protected routes with it.
	router.StaticFS("/ui", http.FS(dashboard.Files()))
	index, hasIndex := dashboard.Index()
	if !hasIndex {
		log.Warn().Msg("dashboard page missing from this build")
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		if !hasIndex {
			c.JSON(http.StatusOK, gin.H{"message": "edgeagent API is running"})
			return
		}
		c.Header("Content-Security-Policy", dashboardCSP)
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
