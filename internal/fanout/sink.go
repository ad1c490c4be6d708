// Package fanout delivers every bar emitted by the Multiplexer to
// connected WebSocket clients and, optionally, an HTTP push sink. A push
// sink failure never blocks or fails delivery to WebSocket clients.
package fanout

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"barbroker/internal/metrics"
	"barbroker/internal/model"
)

// pushPayload is the wire shape POSTed to the backend endpoint.
type pushPayload struct {
	Symbol    string  `json:"symbol"`
	Time      int64   `json:"time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Timeframe string  `json:"timeframe"`
}

// PushSink POSTs every bar to a configured backend endpoint, retrying a
// fixed number of times with a fixed backoff, built on resty the way
// rekurt-ohlcv's centrifugo client is: a pre-configured *resty.Client with
// base URL and headers set once at construction.
type PushSink struct {
	log     *zap.SugaredLogger
	client  *resty.Client
	attempts int
	backoff  time.Duration
}

// NewPushSink builds a PushSink POSTing to endpoint with X-Api-Key apiKey.
// attempts is the number of retries beyond the first call (total calls =
// 1 + attempts); backoff is the fixed delay between attempts.
func NewPushSink(log *zap.SugaredLogger, endpoint, apiKey string, attempts int, backoff time.Duration) *PushSink {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("X-Api-Key", apiKey)
	client.SetBaseURL(endpoint)

	return &PushSink{log: log, client: client, attempts: attempts, backoff: backoff}
}

// Push POSTs bar to the configured endpoint, retrying up to 1+attempts
// times with a fixed delay between tries. After all attempts are
// exhausted, the bar is logged and dropped; this method never returns an
// error that would cause the caller to block the WebSocket fan-out path.
func (p *PushSink) Push(ctx context.Context, bar model.Bar) {
	payload := pushPayload{
		Symbol: bar.Symbol, Time: bar.Time, Open: bar.Open, High: bar.High,
		Low: bar.Low, Close: bar.Close, Volume: bar.Volume, Timeframe: bar.Timeframe,
	}

	var lastErr error
	for attempt := 0; attempt <= p.attempts; attempt++ {
		start := time.Now()
		resp, err := p.client.R().SetContext(ctx).SetBody(payload).Post("")
		metrics.HTTPPushLatencySeconds.Observe(time.Since(start).Seconds())

		if err == nil && !resp.IsError() {
			metrics.BarsPushedTotal.Inc()
			return
		}
		if err == nil {
			err = errors.Errorf("push sink: unexpected status %d", resp.StatusCode())
		}
		lastErr = err

		if attempt < p.attempts {
			select {
			case <-ctx.Done():
				p.log.Warnw("push sink: context cancelled mid-retry", "symbol", bar.Symbol, "timeframe", bar.Timeframe)
				return
			case <-time.After(p.backoff):
			}
		}
	}

	p.log.Errorw("push sink: all attempts exhausted, dropping bar",
		"symbol", bar.Symbol, "timeframe", bar.Timeframe, "error", lastErr)
}
