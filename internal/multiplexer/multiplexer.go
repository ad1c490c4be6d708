package multiplexer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"barbroker/internal/metrics"
	"barbroker/internal/model"
	"barbroker/internal/upstream"
)

// record is the multiplexer's internal bookkeeping for one live upstream
// subscription.
type record struct {
	key    model.SubscriptionKey
	chart  upstream.Chart
	pinned bool
}

// Multiplexer owns the canonical key -> upstream subscription mapping and
// the upstream session lifecycle, deduplicating client interest so each
// (symbol, timeframe) pair maps to at most one live upstream chart.
type Multiplexer struct {
	log    *zap.SugaredLogger
	client upstream.Client

	mu        sync.Mutex
	session   upstream.Session
	connected bool
	subs      map[model.SubscriptionKey]*record

	reconnect *upstream.ReconnectPolicy

	listeners listenerRegistry

	fullReconnectSettle time.Duration
}

// New builds a Multiplexer bound to an upstream Client. Subscriptions
// created with reason "config_pin" stay subscribed regardless of client
// interest; see Subscribe.
func New(log *zap.SugaredLogger, client upstream.Client) *Multiplexer {
	return &Multiplexer{
		log:                 log,
		client:              client,
		subs:                make(map[model.SubscriptionKey]*record),
		reconnect:           upstream.NewReconnectPolicy(),
		fullReconnectSettle: 2 * time.Second,
	}
}

// On registers an event listener. Must be called before Connect for
// deterministic delivery of the first "connect" event, though listeners
// added afterward simply miss past events (no replay).
func (m *Multiplexer) On(l Listener) {
	m.listeners.add(l)
}

// Connect opens the upstream session, retrying per the backoff policy. It
// resets the reconnect attempt counter on entry and again on success, and
// is the only path allowed to do so.
func (m *Multiplexer) Connect(ctx context.Context) error {
	m.reconnect.Reset()

	for {
		session, err := m.client.Connect(ctx)
		if err == nil {
			m.mu.Lock()
			m.session = session
			m.connected = true
			m.mu.Unlock()
			m.reconnect.Reset()
			m.listeners.emit(Event{Type: EventConnect})
			return nil
		}

		m.listeners.emit(Event{Type: EventError, Err: err})
		delay := m.reconnect.NextBackOff()
		if delay < 0 {
			m.listeners.emit(Event{Type: EventMaxReconnectAttempt})
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// IsConnected reports whether the upstream session is currently open.
func (m *Multiplexer) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe opens an upstream chart for key if one doesn't already exist,
// idempotently returning true for an existing subscription.
func (m *Multiplexer) Subscribe(key model.SubscriptionKey, reason string) bool {
	m.mu.Lock()
	if existing, ok := m.subs[key]; ok {
		_ = existing
		m.mu.Unlock()
		return true
	}
	if !m.connected {
		m.mu.Unlock()
		m.listeners.emit(Event{Type: EventSubscriptionError, Key: key, Err: errNotConnected})
		return false
	}
	session := m.session
	m.mu.Unlock()

	chart, err := session.Chart()
	if err != nil {
		m.listeners.emit(Event{Type: EventSubscriptionError, Key: key, Err: err})
		return false
	}

	rec := &record{key: key, chart: chart}

	chart.OnUpdate(func() {
		m.onChartUpdate(key, chart)
	})
	chart.OnError(func(args ...interface{}) {
		m.listeners.emit(Event{Type: EventError, Key: key, Err: toErr(args)})
	})
	chart.OnSymbolLoaded(func() {
		m.log.Infow("symbol loaded", "symbol", key.Symbol, "timeframe", key.Timeframe)
	})

	if err := chart.SetMarket(key.Symbol, upstream.MarketOptions{Timeframe: key.Timeframe}); err != nil {
		if delErr := chart.Delete(); delErr != nil {
			m.log.Warnw("subscribe: cleanup after SetMarket failure failed", "symbol", key.Symbol, "timeframe", key.Timeframe, "error", delErr)
		}
		m.listeners.emit(Event{Type: EventSubscriptionError, Key: key, Err: err})
		return false
	}

	m.mu.Lock()
	if existing, ok := m.subs[key]; ok {
		_ = existing
		m.mu.Unlock()
		_ = chart.Delete()
		return true
	}
	if reason == "config_pin" {
		rec.pinned = true
	}
	m.subs[key] = rec
	m.mu.Unlock()

	metrics.ActiveSubscriptions.Set(float64(m.Count()))
	m.listeners.emit(Event{Type: EventSubscribed, Key: key, Reason: reason})
	return true
}

// onChartUpdate converts the provider's latest period into a canonical Bar
// and emits it, resolving the max/min synonym fields and defaulting a
// missing volume to zero.
func (m *Multiplexer) onChartUpdate(key model.SubscriptionKey, chart upstream.Chart) {
	periods := chart.Periods()
	if len(periods) == 0 {
		return
	}
	p := periods[0]
	high, low := p.ResolvedHighLow()
	bar := model.Bar{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		Time:      p.Time,
		Open:      p.Open,
		High:      high,
		Low:       low,
		Close:     p.Close,
		Volume:    p.ResolvedVolume(),
	}

	m.listeners.emit(Event{Type: EventBar, Key: key, Bar: bar})
}

// Unsubscribe tears down the chart for (symbol, timeframe) unconditionally,
// unless the record is config-pinned, in which case it is a no-op (false)
// per I1 — a config-pinned key stays subscribed regardless of interest.
func (m *Multiplexer) Unsubscribe(symbol, timeframe string) bool {
	key := model.NewKey(symbol, timeframe)

	m.mu.Lock()
	rec, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		m.log.Warnw("unsubscribe: no such subscription", "symbol", symbol, "timeframe", timeframe)
		return false
	}
	if rec.pinned {
		m.mu.Unlock()
		m.log.Infow("unsubscribe: ignoring config-pinned key", "symbol", symbol, "timeframe", timeframe)
		return false
	}
	delete(m.subs, key)
	m.mu.Unlock()

	if err := rec.chart.Delete(); err != nil {
		m.log.Warnw("chart teardown failed", "symbol", symbol, "timeframe", timeframe, "error", err)
	}

	metrics.ActiveSubscriptions.Set(float64(m.Count()))
	m.listeners.emit(Event{Type: EventUnsubscribed, Key: key})
	return true
}

// Recover runs the unsubscribe/sleep(1s)/subscribe sequence for an
// existing key, used by the Health Monitor's recovery paths. Unlike
// Unsubscribe, it acts on a config-pinned record instead of refusing:
// Unsubscribe's pin guard exists to stop client interest from tearing a
// pinned key down, not to stop the Health Monitor from recreating a dead
// chart for one. A pinned record's pinned status is preserved across the
// teardown. Returns false if key has no existing subscription.
func (m *Multiplexer) Recover(key model.SubscriptionKey, reason string) bool {
	m.mu.Lock()
	rec, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	pinned := rec.pinned
	delete(m.subs, key)
	m.mu.Unlock()

	if err := rec.chart.Delete(); err != nil {
		m.log.Warnw("recover: chart teardown failed", "symbol", key.Symbol, "timeframe", key.Timeframe, "error", err)
	}
	metrics.ActiveSubscriptions.Set(float64(m.Count()))

	// No EventUnsubscribed here: the key stays subscribed throughout from
	// every listener's perspective (no interest-index transition, no
	// audit-worthy teardown) - this is an internal chart swap, not a real
	// unsubscribe. Emitting it would also wipe the Health Monitor's
	// recoveryAttempts counter for key on every attempt, defeating
	// MaxRecoveryAttempts.
	time.Sleep(1 * time.Second)

	subscribeReason := reason
	if pinned {
		subscribeReason = "config_pin"
	}
	ok = m.Subscribe(key, subscribeReason)
	if ok {
		m.listeners.emit(Event{Type: EventRecoverySucceeded, Key: key, Reason: reason})
	} else {
		m.listeners.emit(Event{Type: EventRecoveryFailed, Key: key, Reason: reason})
	}
	return ok
}

// List returns a snapshot of all currently active keys.
func (m *Multiplexer) List() []model.SubscriptionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]model.SubscriptionKey, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of active subscriptions.
func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// UpdateSubscriptions reconciles the canonical set against desired, tearing
// down removed keys first and then subscribing added ones.
func (m *Multiplexer) UpdateSubscriptions(desired []model.SubscriptionKey, reason string) {
	desiredSet := make(map[model.SubscriptionKey]bool, len(desired))
	for _, k := range desired {
		desiredSet[k] = true
	}

	current := m.List()
	currentSet := make(map[model.SubscriptionKey]bool, len(current))
	for _, k := range current {
		currentSet[k] = true
	}

	var removed, added, restored []model.SubscriptionKey
	for _, k := range current {
		if !desiredSet[k] {
			removed = append(removed, k)
		}
	}
	for _, k := range desired {
		if !currentSet[k] {
			added = append(added, k)
		} else {
			restored = append(restored, k)
		}
	}

	for _, k := range removed {
		m.Unsubscribe(k.Symbol, k.Timeframe)
	}
	for _, k := range added {
		m.Subscribe(k, reason)
	}

	m.log.Infow("updateSubscriptions",
		"reason", reason,
		"removed", len(removed),
		"added", len(added),
		"restored", len(restored),
	)
}

// ResetAll tears down every chart best-effort and clears the map.
func (m *Multiplexer) ResetAll() {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.subs))
	for _, rec := range m.subs {
		recs = append(recs, rec)
	}
	m.subs = make(map[model.SubscriptionKey]*record)
	m.mu.Unlock()

	for _, rec := range recs {
		if err := rec.chart.Delete(); err != nil {
			m.log.Warnw("resetAll: chart teardown failed", "key", rec.key, "error", err)
		}
	}
	metrics.ActiveSubscriptions.Set(0)
}

// snapshotPinned returns the current keys partitioned by pinned status, so
// FullReconnect can restore config-pinned keys as pinned rather than
// dropping them to ordinary client-driven subscriptions.
func (m *Multiplexer) snapshotPinned() (pinned, unpinned []model.SubscriptionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rec := range m.subs {
		if rec.pinned {
			pinned = append(pinned, k)
		} else {
			unpinned = append(unpinned, k)
		}
	}
	return pinned, unpinned
}

// FullReconnect snapshots current keys, closes the session, waits the
// settle delay, reopens it, and resubscribes the snapshot - config-pinned
// keys are restored pinned, per I1. Returns false if ctx is cancelled
// during the settle delay or the session cannot be reopened; a key that
// fails to resubscribe emits subscription_error and does not change the
// result.
func (m *Multiplexer) FullReconnect(ctx context.Context) bool {
	pinned, unpinned := m.snapshotPinned()

	m.mu.Lock()
	session := m.session
	m.connected = false
	m.mu.Unlock()

	if session != nil {
		if err := session.End(); err != nil {
			m.log.Warnw("fullReconnect: close failed", "error", err)
		}
	}
	m.ResetAll()

	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.fullReconnectSettle):
	}

	newSession, err := m.client.Connect(ctx)
	if err != nil {
		m.listeners.emit(Event{Type: EventError, Err: err})
		return false
	}

	m.mu.Lock()
	m.session = newSession
	m.connected = true
	m.mu.Unlock()
	m.listeners.emit(Event{Type: EventConnect})

	for _, key := range pinned {
		m.Subscribe(key, "config_pin")
	}
	for _, key := range unpinned {
		m.Subscribe(key, "full_reconnect")
	}
	m.log.Infow("fullReconnect: resubscribed", "pinned", len(pinned), "unpinned", len(unpinned))
	m.listeners.emit(Event{Type: EventFullReconnect})
	return true
}

// Close tears down every chart, clears the map, ends the session, and
// emits "disconnect".
func (m *Multiplexer) Close() {
	m.ResetAll()

	m.mu.Lock()
	session := m.session
	m.connected = false
	m.session = nil
	m.mu.Unlock()

	if session != nil {
		if err := session.End(); err != nil {
			m.log.Warnw("close: session end failed", "error", err)
		}
	}
	m.listeners.emit(Event{Type: EventDisconnect})
}

func toErr(args []interface{}) error {
	if len(args) == 0 {
		return errGenericUpstream
	}
	if err, ok := args[0].(error); ok {
		return err
	}
	return errGenericUpstream
}
