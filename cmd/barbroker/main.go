// Command barbroker runs the market-data fan-out broker: a subscription
// multiplexer onto a single upstream streaming OHLCV session, a health
// monitor driving self-healing reconnects, and a WebSocket front
// multiplexing downstream client interest onto that upstream session.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"barbroker/internal/audit"
	"barbroker/internal/clusterbus"
	"barbroker/internal/config"
	"barbroker/internal/fanout"
	"barbroker/internal/health"
	"barbroker/internal/healthapi"
	"barbroker/internal/log"
	"barbroker/internal/metrics"
	"barbroker/internal/multiplexer"
	"barbroker/internal/upstream"
	"barbroker/internal/wsserver"
)

// defaultUpstreamURL is the provider's fixed streaming endpoint. Unlike
// BACKEND_ENDPOINT (the operator's own push sink), the upstream provider
// address is not operator-configurable — only its proxy and timeout are.
const defaultUpstreamURL = "wss://data.tradingview.com/socket.io/websocket"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "barbroker: configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "barbroker: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger := log.L
	defer logger.Sync()

	var priceLogger *zap.SugaredLogger
	if cfg.DebugPrices {
		priceLogger, err = log.NewPriceLogger(cfg.PricesLogFile)
		if err != nil {
			logger.Fatalw("failed to initialize price logger", "error", err)
		}
	}

	client := upstream.NewWSClient(defaultUpstreamURL, upstream.Config{
		Proxy:     cfg.TVAPIProxy,
		TimeoutMs: cfg.TVAPITimeoutMs,
	})
	mux := multiplexer.New(logger.Named("multiplexer"), client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mux.Connect(ctx); err != nil {
		logger.Fatalw("failed to establish upstream session", "error", err)
	}

	if len(cfg.Subscriptions) > 0 {
		mux.UpdateSubscriptions(cfg.Subscriptions, "config_pin")
	}

	healthCfg := health.Config{
		CheckInterval:            time.Duration(cfg.Health.CheckIntervalMs) * time.Millisecond,
		StaleThresholdMultiplier: cfg.Health.StaleThresholdMultiplier,
		AutoRecoveryEnabled:      cfg.Health.AutoRecoveryEnabled,
		MaxRecoveryAttempts:      cfg.Health.MaxRecoveryAttempts,
		FullReconnectThreshold:   cfg.Health.FullReconnectThreshold,
		FullReconnectCooldown:    time.Duration(cfg.Health.FullReconnectCooldownMs) * time.Millisecond,
	}
	monitor := health.New(logger.Named("health"), mux, healthCfg)
	monitor.Start(ctx)

	wsSrv := wsserver.New(logger.Named("wsserver"), mux)

	var sink *fanout.PushSink
	if cfg.BackendEndpoint != "" {
		sink = fanout.NewPushSink(logger.Named("fanout"), cfg.BackendEndpoint, cfg.BackendAPIKey, 3, 1*time.Second)
	}

	var cluster *clusterbus.Bus
	if cfg.ClusterAMQPURI != "" {
		cluster, err = clusterbus.Connect(logger.Named("clusterbus"), cfg.ClusterAMQPURI)
		if err != nil {
			logger.Errorw("clusterbus: failed to connect, continuing without cluster fan-out", "error", err)
			cluster = nil
		} else {
			defer cluster.Close()
		}
	}

	// cluster is typed *clusterbus.Bus; pass it through a plain interface
	// variable rather than directly, so an unset cluster bus produces a
	// truly nil fanout.ClusterPublisher instead of a non-nil interface
	// wrapping a nil pointer.
	var clusterPublisher fanout.ClusterPublisher
	if cluster != nil {
		clusterPublisher = cluster
	}
	fo := fanout.New(logger.Named("fanout"), wsSrv, sink, clusterPublisher)

	var auditLog *audit.Log
	if cfg.AuditDSN != "" {
		auditLog, err = audit.Open(ctx, logger.Named("audit"), cfg.AuditDSN)
		if err != nil {
			logger.Errorw("audit: failed to open, continuing without audit trail", "error", err)
			auditLog = nil
		} else {
			defer auditLog.Close()
		}
	}

	mux.On(func(ev multiplexer.Event) {
		if ev.Type == multiplexer.EventBar {
			fo.OnBar(ev.Bar)
			if priceLogger != nil {
				priceLogger.Infow("bar", "symbol", ev.Bar.Symbol, "timeframe", ev.Bar.Timeframe,
					"time", ev.Bar.Time, "open", ev.Bar.Open, "high", ev.Bar.High,
					"low", ev.Bar.Low, "close", ev.Bar.Close, "volume", ev.Bar.Volume)
			}
			return
		}
		if auditLog != nil {
			recordAuditEvent(auditLog, ev)
		}
	})

	var wsHTTPServer *http.Server
	if cfg.WebSocketEnabled {
		wsHTTPServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.WebSocketPort), Handler: wsSrv}
		go func() {
			logger.Infow("websocket front listening", "port", cfg.WebSocketPort)
			if err := wsHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("websocket server error", "error", err)
			}
		}()
	}

	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: metricsMux()}
	go func() {
		logger.Infow("metrics endpoint listening", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("metrics server error", "error", err)
		}
	}()

	healthAPI := healthapi.New(logger.Named("healthapi"), mux, monitor, fmt.Sprintf(":%d", cfg.HealthAPIPort))
	go func() {
		logger.Infow("health api listening", "port", cfg.HealthAPIPort)
		if err := healthAPI.ListenAndServe(); err != nil {
			logger.Errorw("health api server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infow("shutdown signal received, stopping in order: health api, health monitor, client front, multiplexer")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthAPI.Close(); err != nil {
		logger.Warnw("health api shutdown error", "error", err)
	}
	monitor.Stop()
	if wsHTTPServer != nil {
		if err := wsHTTPServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("websocket server shutdown error", "error", err)
		}
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("metrics server shutdown error", "error", err)
	}
	mux.Close()

	logger.Infow("shutdown complete")
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// recordAuditEvent maps a Multiplexer event to an audit log row. Bar
// events are excluded at the caller — bars remain a non-goal for
// persistence.
func recordAuditEvent(auditLog *audit.Log, ev multiplexer.Event) {
	switch ev.Type {
	case multiplexer.EventSubscribed:
		auditLog.Record("subscribed", ev.Key.Symbol, ev.Key.Timeframe, ev.Reason)
	case multiplexer.EventUnsubscribed:
		auditLog.Record("unsubscribed", ev.Key.Symbol, ev.Key.Timeframe, "")
	case multiplexer.EventSubscriptionError:
		auditLog.Record("subscription_error", ev.Key.Symbol, ev.Key.Timeframe, "")
	case multiplexer.EventRecoverySucceeded:
		auditLog.Record("recovery_success", ev.Key.Symbol, ev.Key.Timeframe, ev.Reason)
	case multiplexer.EventRecoveryFailed:
		auditLog.Record("recovery_failure", ev.Key.Symbol, ev.Key.Timeframe, ev.Reason)
	case multiplexer.EventFullReconnect:
		auditLog.Record("full_reconnect", "", "", "")
	}
}
