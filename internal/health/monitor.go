// Package health implements staleness detection and recovery for the
// subscription multiplexer as a periodic-ticker scan loop with a
// cooldown-gated full reconnect.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"barbroker/internal/metrics"
	"barbroker/internal/model"
	"barbroker/internal/multiplexer"
)

// Config holds the Health Monitor's tunable knobs.
type Config struct {
	CheckInterval            time.Duration
	StaleThresholdMultiplier float64
	AutoRecoveryEnabled      bool
	MaxRecoveryAttempts      int
	FullReconnectThreshold   int
	FullReconnectCooldown    time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:            60 * time.Second,
		StaleThresholdMultiplier: 3.0,
		AutoRecoveryEnabled:      true,
		MaxRecoveryAttempts:      3,
		FullReconnectThreshold:   3,
		FullReconnectCooldown:    10 * time.Minute,
	}
}

// Monitor watches bar arrivals per key via Multiplexer events and drives
// targeted recovery or a full reconnect when too many keys go silent.
type Monitor struct {
	log *zap.SugaredLogger
	mux *multiplexer.Multiplexer
	cfg Config

	mu                  sync.Mutex
	lastBarTs           map[model.SubscriptionKey]time.Time
	recoveryAttempts    map[model.SubscriptionKey]int
	lastFullReconnectTs time.Time
	staleCount          int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Monitor bound to a non-owning reference to mux. Call Start
// to register listeners and begin the scan loop.
func New(log *zap.SugaredLogger, mux *multiplexer.Multiplexer, cfg Config) *Monitor {
	return &Monitor{
		log:              log,
		mux:              mux,
		cfg:              cfg,
		lastBarTs:        make(map[model.SubscriptionKey]time.Time),
		recoveryAttempts: make(map[model.SubscriptionKey]int),
		stop:             make(chan struct{}),
	}
}

// Start registers the event listener and launches the scan loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mux.On(m.onEvent)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		m.log.Infow("health monitor started", "checkIntervalMs", m.cfg.CheckInterval.Milliseconds())
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.scan(ctx)
			}
		}
	}()
}

// Stop cancels the scan timer and waits for any in-flight scan to return;
// recovery calls already dispatched are allowed to complete on their own.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) onEvent(ev multiplexer.Event) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case multiplexer.EventBar:
		m.lastBarTs[ev.Key] = now
		delete(m.recoveryAttempts, ev.Key)
		metrics.LastDataReceivedSeconds.WithLabelValues(ev.Key.Symbol, ev.Key.Timeframe).Set(0)
	case multiplexer.EventSubscribed:
		m.lastBarTs[ev.Key] = now
	case multiplexer.EventUnsubscribed:
		delete(m.lastBarTs, ev.Key)
		delete(m.recoveryAttempts, ev.Key)
	case multiplexer.EventConnect:
		for k := range m.lastBarTs {
			m.lastBarTs[k] = now
		}
		m.recoveryAttempts = make(map[model.SubscriptionKey]int)
	case multiplexer.EventDisconnect:
		// preserve timestamps; they represent last-known data
	}
}

// scan runs one staleness detection cycle.
func (m *Monitor) scan(ctx context.Context) {
	now := time.Now()
	keys := m.mux.List()

	m.mu.Lock()
	for _, k := range keys {
		if _, ok := m.lastBarTs[k]; !ok {
			m.lastBarTs[k] = now
		}
	}

	var stale []model.SubscriptionKey
	for _, k := range keys {
		last := m.lastBarTs[k]
		age := now.Sub(last)
		metrics.LastDataReceivedSeconds.WithLabelValues(k.Symbol, k.Timeframe).Set(age.Seconds())

		threshold := time.Duration(model.TimeframeMs(k.Timeframe)) * time.Millisecond
		threshold = time.Duration(float64(threshold) * m.cfg.StaleThresholdMultiplier)
		if threshold > 0 && age > threshold {
			stale = append(stale, k)
		}
	}
	metrics.StaleSubscriptions.Set(float64(len(stale)))
	m.staleCount = len(stale)

	cooldownElapsed := now.Sub(m.lastFullReconnectTs) > m.cfg.FullReconnectCooldown
	shouldFullReconnect := len(stale) >= m.cfg.FullReconnectThreshold && cooldownElapsed && m.cfg.AutoRecoveryEnabled

	if shouldFullReconnect {
		m.lastFullReconnectTs = now
		for k := range m.lastBarTs {
			m.lastBarTs[k] = now
		}
		m.recoveryAttempts = make(map[model.SubscriptionKey]int)
	}
	m.mu.Unlock()

	if shouldFullReconnect {
		m.log.Warnw("stale threshold reached, triggering full reconnect", "staleCount", len(stale))
		metrics.FullReconnectsTotal.Inc()
		m.mux.FullReconnect(ctx)
		return
	}

	if !m.cfg.AutoRecoveryEnabled {
		return
	}
	for _, k := range stale {
		go m.recoverKey(k)
	}
}

// StaleCount reports the number of keys considered stale as of the most
// recent scan, for the Health HTTP API's /health and /status responses.
func (m *Monitor) StaleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staleCount
}

// Config returns the monitor's current tunable configuration, for the
// Health HTTP API's /status response.
func (m *Monitor) Config() Config {
	return m.cfg
}

// TriggerRecovery runs the same teardown/sleep(1s)/recreate sequence
// individual scan-driven recovery uses, bypassing the max-attempts guard
// since this is an explicit operator request via POST
// /recovery/subscription rather than an automatic scan decision.
func (m *Monitor) TriggerRecovery(key model.SubscriptionKey) {
	metrics.RecoveryAttemptsTotal.Inc()
	ok := m.mux.Recover(key, "health_recovery")

	if ok {
		m.mu.Lock()
		m.lastBarTs[key] = time.Now()
		m.mu.Unlock()
		metrics.SuccessfulRecoveriesTotal.Inc()
		m.log.Infow("manual recovery succeeded", "symbol", key.Symbol, "timeframe", key.Timeframe)
	} else {
		metrics.FailedRecoveriesTotal.Inc()
		m.log.Warnw("manual recovery failed", "symbol", key.Symbol, "timeframe", key.Timeframe)
	}
}

// recoverKey implements the unsubscribe/sleep(1s)/subscribe recovery
// sequence for a single stale key.
func (m *Monitor) recoverKey(key model.SubscriptionKey) {
	m.mu.Lock()
	attempts := m.recoveryAttempts[key]
	if attempts >= m.cfg.MaxRecoveryAttempts {
		m.mu.Unlock()
		m.log.Warnw("max recovery attempts reached, skipping", "symbol", key.Symbol, "timeframe", key.Timeframe)
		return
	}
	m.recoveryAttempts[key] = attempts + 1
	m.mu.Unlock()

	metrics.RecoveryAttemptsTotal.Inc()
	ok := m.mux.Recover(key, "health_recovery")

	if ok {
		m.mu.Lock()
		m.lastBarTs[key] = time.Now()
		m.mu.Unlock()
		metrics.SuccessfulRecoveriesTotal.Inc()
		m.log.Infow("recovery succeeded", "symbol", key.Symbol, "timeframe", key.Timeframe)
	} else {
		metrics.FailedRecoveriesTotal.Inc()
		m.log.Warnw("recovery failed", "symbol", key.Symbol, "timeframe", key.Timeframe)
	}
}
