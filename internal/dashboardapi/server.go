// Package dashboardapi exposes a thin, read-only HTTP surface over the
// engine's running state: slot status, open trades, and liveness.
// There is no control-plane endpoint here — starting, stopping or
// reconfiguring the engine is an operator action outside this API.
// Routing, middleware and JSON envelope conventions are adapted from the
// teacher's internal/api/server.go.
package dashboardapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"haflip-engine/internal/domain"
	"haflip-engine/internal/killswitch"
	"haflip-engine/internal/riskmanager"
	"haflip-engine/internal/slotmanager"
)

// TradeStore reads the persisted open trades for the dashboard.
type TradeStore interface {
	GetOpenTrades(ctx context.Context) ([]domain.Trade, error)
}

// HealthChecker reports storage liveness, used by /healthz.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EngineStatus reports the last time any exchange event was processed.
type EngineStatus interface {
	LastDataTime() time.Time
}

// Config controls the listen address and liveness staleness threshold.
type Config struct {
	Host          string
	Port          int
	ProductionMode bool
	StaleAfter    time.Duration
}

// Server is the read-only dashboard HTTP API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        Config

	db     HealthChecker
	trades TradeStore
	slots  *slotmanager.Manager
	risk   *riskmanager.Manager
	kill   *killswitch.Switch
	engine EngineStatus
	logger zerolog.Logger
}

func NewServer(cfg Config, db HealthChecker, trades TradeStore, slots *slotmanager.Manager, risk *riskmanager.Manager, kill *killswitch.Switch, engine EngineStatus, logger zerolog.Logger) *Server {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}

	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	corsConfig.AllowMethods = []string{"GET"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		cfg:    cfg,
		db:     db,
		trades: trades,
		slots:  slots,
		risk:   risk,
		kill:   kill,
		engine: engine,
		logger: logger.With().Str("component", "DashboardServer").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/slots", s.handleSlots)
	s.router.GET("/trades", s.handleOpenTrades)
	s.router.GET("/killswitch", s.handleKillSwitchStatus)
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("starting dashboard HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboardapi: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz reports storage reachability and exchange-event
// liveness. 503 if either has gone stale.
func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := s.db.HealthCheck(ctx) == nil

	lastData := s.engine.LastDataTime()
	dataFresh := time.Since(lastData) < s.cfg.StaleAfter

	if !dbHealthy || !dataFresh {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":          "unhealthy",
			"database":        dbHealthy,
			"data_fresh":      dataFresh,
			"last_data_time":  lastData,
			"kill_switch":     s.kill.IsTriggered(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"database":       true,
		"data_fresh":     true,
		"last_data_time": lastData,
		"kill_switch":    s.kill.IsTriggered(),
	})
}

func (s *Server) handleSlots(c *gin.Context) {
	successResponse(c, gin.H{
		"slots":   s.slots.GetAllSlots(),
		"summary": s.slots.GetStatusSummary(),
	})
}

func (s *Server) handleOpenTrades(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	trades, err := s.trades.GetOpenTrades(ctx)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to fetch open trades")
		return
	}
	successResponse(c, trades)
}

func (s *Server) handleKillSwitchStatus(c *gin.Context) {
	successResponse(c, gin.H{
		"triggered":        s.kill.IsTriggered(),
		"active_trades":    len(s.risk.GetAllActiveTrades()),
	})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": true, "message": message})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
