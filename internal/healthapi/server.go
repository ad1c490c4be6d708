// Package healthapi implements the Health HTTP API: liveness, detailed
// status, and operator-triggered recovery endpoints, built on
// gin-gonic/gin.
package healthapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"barbroker/internal/health"
	"barbroker/internal/model"
)

// Multiplexer is the subset of the subscription multiplexer the health API
// depends on.
type Multiplexer interface {
	IsConnected() bool
	List() []model.SubscriptionKey
	Count() int
	FullReconnect(ctx context.Context) bool
}

// Monitor is the subset of the health monitor the health API depends on.
type Monitor interface {
	StaleCount() int
	Config() health.Config
	TriggerRecovery(key model.SubscriptionKey)
}

// Server serves the four Health HTTP API routes on its own port.
type Server struct {
	log       *zap.SugaredLogger
	mux       Multiplexer
	monitor   Monitor
	startedAt time.Time
	engine    *gin.Engine
	http      *http.Server
}

type recoveryRequest struct {
	Symbol    string `json:"symbol" binding:"required"`
	Timeframe string `json:"timeframe" binding:"required"`
}

// New builds a Server bound to non-owning Multiplexer and Monitor
// references, listening on addr (e.g. ":8082").
func New(log *zap.SugaredLogger, mux Multiplexer, monitor Monitor, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(log))

	s := &Server{
		log:       log,
		mux:       mux,
		monitor:   monitor,
		startedAt: time.Now(),
		engine:    engine,
		http:      &http.Server{Addr: addr, Handler: engine},
	}

	engine.GET("/health", s.handleHealth)
	engine.GET("/status", s.handleStatus)
	engine.POST("/recovery/subscription", s.handleRecoverSubscription)
	engine.POST("/recovery/full-reconnect", s.handleFullReconnect)

	return s
}

func requestLogger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("health api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// ListenAndServe blocks serving the Health HTTP API until Close is called.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the Health HTTP API down immediately, closing the listener
// and any active connections without waiting for in-flight requests.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) handleHealth(c *gin.Context) {
	connected := s.mux.IsConnected()
	status := http.StatusOK
	statusText := "ok"
	if !connected {
		status = http.StatusServiceUnavailable
		statusText = "degraded"
	}

	c.JSON(status, gin.H{
		"status": statusText,
		"uptime": time.Since(s.startedAt).String(),
		"tradingview": gin.H{
			"connected":     connected,
			"subscriptions": s.mux.Count(),
		},
		"health_monitor": gin.H{
			"active":            true,
			"stale_subscriptions": s.monitor.StaleCount(),
		},
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	cfg := s.monitor.Config()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
		"tradingview": gin.H{
			"connected":     s.mux.IsConnected(),
			"subscriptions": s.mux.List(),
		},
		"health_monitor": gin.H{
			"stale_subscriptions":        s.monitor.StaleCount(),
			"check_interval_ms":          cfg.CheckInterval.Milliseconds(),
			"stale_threshold_multiplier": cfg.StaleThresholdMultiplier,
			"auto_recovery_enabled":      cfg.AutoRecoveryEnabled,
			"max_recovery_attempts":      cfg.MaxRecoveryAttempts,
			"full_reconnect_threshold":   cfg.FullReconnectThreshold,
			"full_reconnect_cooldown_ms": cfg.FullReconnectCooldown.Milliseconds(),
		},
	})
}

func (s *Server) handleRecoverSubscription(c *gin.Context) {
	var req recoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	key := model.NewKey(req.Symbol, req.Timeframe)
	s.monitor.TriggerRecovery(key)
	c.JSON(http.StatusOK, gin.H{"success": true, "symbol": key.Symbol, "timeframe": key.Timeframe})
}

func (s *Server) handleFullReconnect(c *gin.Context) {
	ok := s.mux.FullReconnect(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": ok})
}
