// Package api exposes the recovery engine over HTTP: read-only status
// endpoints, operator actions guarded by JWT, Prometheus metrics and a
// WebSocket stream of recovery events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"correlation-recovery-bot/internal/auth"
	"correlation-recovery-bot/internal/broker"
	"correlation-recovery-bot/internal/circuit"
	"correlation-recovery-bot/internal/correlation"
	"correlation-recovery-bot/internal/database"
	"correlation-recovery-bot/internal/events"
	"correlation-recovery-bot/internal/hedge"
	"correlation-recovery-bot/internal/monitor"
	"correlation-recovery-bot/internal/sizing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RecoveryService is the part of the monitor the API drives
type RecoveryService interface {
	RunCycle(ctx context.Context) (*monitor.CycleReport, error)
	GetTrackerStatistics() hedge.Stats
	GetTrackerRecords() []hedge.Record
	GetRecoveryGroupSummaries() []monitor.RecoveryGroup
	ResetKey(key hedge.Key) (hedge.State, error)
	ResetAll() int
}

// Breaker is the circuit breaker surface
type Breaker interface {
	GetState() circuit.BreakerState
	GetStats() map[string]interface{}
	ForceReset()
}

// CorrelationSource resolves pair correlations
type CorrelationSource interface {
	Resolve(ctx context.Context, symbolA, symbolB string, lookback int) correlation.Sample
}

// LotSizer computes risk-based lot sizes
type LotSizer interface {
	DetectTier(balance float64) sizing.Tier
	Size(ctx context.Context, acct broker.Account, symbol string, riskFraction float64, legCount int) (float64, error)
}

// AccountSource reports broker connectivity and the account snapshot
type AccountSource interface {
	IsConnected() bool
	GetAccountState(ctx context.Context) (*broker.Account, error)
}

// HistoryReader reads closed recovery groups
type HistoryReader interface {
	ListGroups(ctx context.Context, limit, offset int) ([]database.HistoryRecord, error)
	SummaryByReason(ctx context.Context, since time.Time) ([]database.ReasonSummary, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Host            string
	AllowedOrigins  []string
	ProductionMode  bool
	LegCount        int
	MetricsPath     string
}

// Deps are the collaborators behind the routes. Recovery and Account are
// required; the rest may be nil and their routes answer 503.
type Deps struct {
	Recovery    RecoveryService
	Account     AccountSource
	Breaker     Breaker
	Correlation CorrelationSource
	Sizer       LotSizer
	History     HistoryReader
	EventBus    *events.EventBus
	JWT         *auth.JWTManager
	Metrics     http.Handler
	Checks      map[string]HealthCheck
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	deps       Deps
	hub        *WSHub
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.LegCount <= 0 {
		config.LegCount = 3
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		config:    config,
		deps:      deps,
		logger:    logger.With().Str("component", "APIServer").Logger(),
		startedAt: time.Now(),
	}

	if deps.EventBus != nil {
		s.hub = NewWSHub(s.logger)
		deps.EventBus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/tracker/stats", s.handleTrackerStats)
		api.GET("/tracker/records", s.handleTrackerRecords)
		api.GET("/groups", s.handleGroups)
		api.GET("/circuit", s.handleCircuitStatus)
		api.GET("/correlation", s.handleCorrelation)
		api.GET("/sizing/:symbol", s.handleSizing)
		api.GET("/history", s.handleHistory)
		api.GET("/history/summary", s.handleHistorySummary)
	}

	ops := s.router.Group("/api")
	if s.deps.JWT != nil {
		ops.Use(auth.Middleware(s.deps.JWT))
	}
	{
		ops.POST("/cycle", s.handleRunCycle)
		ops.POST("/tracker/reset", s.handleTrackerReset)
		ops.POST("/circuit/reset", s.handleCircuitReset)
	}

	if s.deps.Metrics != nil {
		s.router.GET(s.config.MetricsPath, gin.WrapH(s.deps.Metrics))
	}
	if s.hub != nil {
		s.router.GET("/ws", s.handleWebSocket)
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server and the WebSocket hub until Shutdown
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "HTTP").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
