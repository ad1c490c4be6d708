// Package metrics exposes the Prometheus collectors scraped from the
// service's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WSConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connects_total",
		Help: "Total number of accepted client WebSocket connections.",
	})

	WSErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_errors_total",
		Help: "Total number of client WebSocket protocol/transport errors.",
	})

	BarsPushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bars_pushed_total",
		Help: "Total number of bars successfully POSTed to the backend push sink.",
	})

	RecoveryAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recovery_attempts_total",
		Help: "Total number of individual per-key recovery attempts.",
	})

	SuccessfulRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "successful_recoveries_total",
		Help: "Total number of individual recoveries that resubscribed successfully.",
	})

	FailedRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "failed_recoveries_total",
		Help: "Total number of individual recoveries that failed to resubscribe.",
	})

	FullReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "full_reconnects_total",
		Help: "Total number of full upstream reconnects triggered by the health monitor.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_subscriptions",
		Help: "Current number of live upstream subscriptions.",
	})

	StaleSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stale_subscriptions",
		Help: "Number of subscriptions considered stale in the most recent health scan.",
	})

	LastDataReceivedSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "last_data_received_seconds",
		Help: "Seconds since the last bar was received for a given symbol/timeframe.",
	}, []string{"symbol", "timeframe"})

	HTTPPushLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "http_push_latency_seconds",
		Help:    "Latency of each HTTP push-sink attempt.",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
