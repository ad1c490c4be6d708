package multiplexer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"barbroker/internal/model"
	"barbroker/internal/upstream"
)

// fakeChart is a minimal in-memory upstream.Chart for tests.
type fakeChart struct {
	mu           sync.Mutex
	deleted      bool
	onUpdate     func()
	periods      []upstream.Period
	setMarketErr error
	key          model.SubscriptionKey
}

func (c *fakeChart) OnError(func(args ...interface{})) {}
func (c *fakeChart) OnSymbolLoaded(func())              {}
func (c *fakeChart) OnUpdate(cb func())                 { c.onUpdate = cb }
func (c *fakeChart) SetMarket(symbol string, opts upstream.MarketOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = model.NewKey(symbol, opts.Timeframe)
	return c.setMarketErr
}
func (c *fakeChart) Periods() []upstream.Period {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.periods
}
func (c *fakeChart) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = true
	return nil
}

func (c *fakeChart) push(p upstream.Period) {
	c.mu.Lock()
	c.periods = []upstream.Period{p}
	cb := c.onUpdate
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type fakeSession struct {
	mu               sync.Mutex
	chartCount       int
	deleteCount      int
	charts           []*fakeChart
	ended            bool
	nextSetMarketErr error
}

func (s *fakeSession) Chart() (upstream.Chart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chartCount++
	ch := &fakeChart{setMarketErr: s.nextSetMarketErr}
	s.nextSetMarketErr = nil
	s.charts = append(s.charts, ch)
	return ch, nil
}

func (s *fakeSession) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	return nil
}

type fakeClient struct {
	session *fakeSession
}

func (c *fakeClient) Connect(context.Context) (upstream.Session, error) {
	return c.session, nil
}

func newTestMux(t *testing.T) (*Multiplexer, *fakeSession) {
	t.Helper()
	sess := &fakeSession{}
	mux := New(zap.NewNop().Sugar(), &fakeClient{session: sess})
	require.NoError(t, mux.Connect(context.Background()))
	return mux, sess
}

func TestSubscribeIdempotent(t *testing.T) {
	mux, sess := newTestMux(t)
	key := model.NewKey("BINANCE:BTCUSDT", "1")

	var subscribedEvents int
	mux.On(func(ev Event) {
		if ev.Type == EventSubscribed {
			subscribedEvents++
		}
	})

	assert.True(t, mux.Subscribe(key, "test"))
	assert.True(t, mux.Subscribe(key, "test"))
	assert.True(t, mux.Subscribe(key, "test"))

	assert.Equal(t, 1, sess.chartCount)
	assert.Equal(t, 1, subscribedEvents)
	assert.Equal(t, 1, mux.Count())
}

func TestUnsubscribeTearsDownChart(t *testing.T) {
	mux, sess := newTestMux(t)
	key := model.NewKey("BINANCE:BTCUSDT", "1")

	require.True(t, mux.Subscribe(key, "test"))
	require.True(t, mux.Unsubscribe(key.Symbol, key.Timeframe))

	assert.Equal(t, 0, mux.Count())
	assert.True(t, sess.charts[0].deleted)
}

func TestUnsubscribeUnknownKeyFails(t *testing.T) {
	mux, _ := newTestMux(t)
	assert.False(t, mux.Unsubscribe("NOPE", "1"))
}

func TestSubscribeDeletesChartWhenSetMarketFails(t *testing.T) {
	mux, sess := newTestMux(t)
	sess.nextSetMarketErr = errors.New("unsupported symbol")
	key := model.NewKey("BAD", "1")

	assert.False(t, mux.Subscribe(key, "test"))
	assert.Equal(t, 0, mux.Count())
	require.Len(t, sess.charts, 1)
	assert.True(t, sess.charts[0].deleted, "chart must not leak when SetMarket fails")
}

func TestBarConversionHandlesMaxMinSynonyms(t *testing.T) {
	mux, sess := newTestMux(t)
	key := model.NewKey("BINANCE:BTCUSDT", "1")
	require.True(t, mux.Subscribe(key, "test"))

	var gotBar model.Bar
	mux.On(func(ev Event) {
		if ev.Type == EventBar {
			gotBar = ev.Bar
		}
	})

	max, min, vol := 2.0, 0.5, 10.0
	sess.charts[0].push(upstream.Period{
		Time: 1700000000, Open: 1, Close: 1.5, Max: &max, Min: &min, Volume: &vol,
	})

	assert.Equal(t, "BINANCE:BTCUSDT", gotBar.Symbol)
	assert.Equal(t, 2.0, gotBar.High)
	assert.Equal(t, 0.5, gotBar.Low)
	assert.Equal(t, 10.0, gotBar.Volume)
}

func TestBarConversionDefaultsMissingVolume(t *testing.T) {
	mux, sess := newTestMux(t)
	key := model.NewKey("BINANCE:BTCUSDT", "1")
	require.True(t, mux.Subscribe(key, "test"))

	var gotBar model.Bar
	mux.On(func(ev Event) {
		if ev.Type == EventBar {
			gotBar = ev.Bar
		}
	})

	high, low := 2.0, 0.5
	sess.charts[0].push(upstream.Period{Time: 1, Open: 1, Close: 1, High: &high, Low: &low})

	assert.Equal(t, 0.0, gotBar.Volume)
}

func TestUpdateSubscriptionsUnsubscribesRemovedThenSubscribesAdded(t *testing.T) {
	mux, sess := newTestMux(t)
	a := model.NewKey("A", "1")
	b := model.NewKey("B", "1")
	c := model.NewKey("C", "1")

	mux.UpdateSubscriptions([]model.SubscriptionKey{a, b}, "initial")
	assert.Equal(t, 2, mux.Count())

	mux.UpdateSubscriptions([]model.SubscriptionKey{b, c}, "reconcile")
	assert.Equal(t, 2, mux.Count())
	assert.Equal(t, 3, sess.chartCount) // a, b, c each got one chart
	assert.Equal(t, 1, sess.deleteCountOf(a))
}

func (s *fakeSession) deleteCountOf(key model.SubscriptionKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, ch := range s.charts {
		if ch.deleted && ch.key == key {
			count++
		}
	}
	return count
}

func TestFullReconnectResubscribesSnapshot(t *testing.T) {
	mux, _ := newTestMux(t)
	mux.fullReconnectSettle = 0
	a := model.NewKey("A", "1")
	b := model.NewKey("B", "1")
	mux.UpdateSubscriptions([]model.SubscriptionKey{a, b}, "initial")

	ok := mux.FullReconnect(context.Background())
	assert.True(t, ok)
	assert.Equal(t, 2, mux.Count())
}

func TestUnsubscribeRefusesConfigPinnedKey(t *testing.T) {
	mux, sess := newTestMux(t)
	key := model.NewKey("A", "1")

	require.True(t, mux.Subscribe(key, "config_pin"))
	assert.False(t, mux.Unsubscribe(key.Symbol, key.Timeframe))
	assert.Equal(t, 1, mux.Count())
	assert.False(t, sess.charts[0].deleted)
}

func TestRecoverRecreatesPinnedKeyAndKeepsItPinned(t *testing.T) {
	mux, sess := newTestMux(t)
	key := model.NewKey("A", "1")
	require.True(t, mux.Subscribe(key, "config_pin"))

	ok := mux.Recover(key, "health_recovery")
	require.True(t, ok)

	assert.Equal(t, 1, mux.Count())
	assert.True(t, sess.charts[0].deleted, "stale chart must be torn down")
	assert.False(t, sess.charts[1].deleted, "recreated chart must be live")

	// Still pinned: a client-driven unsubscribe must still refuse it.
	assert.False(t, mux.Unsubscribe(key.Symbol, key.Timeframe))
	assert.Equal(t, 1, mux.Count())
}

func TestRecoverUnknownKeyFails(t *testing.T) {
	mux, _ := newTestMux(t)
	assert.False(t, mux.Recover(model.NewKey("NOPE", "1"), "health_recovery"))
}

func TestFullReconnectPreservesConfigPin(t *testing.T) {
	mux, _ := newTestMux(t)
	mux.fullReconnectSettle = 0
	pinned := model.NewKey("A", "1")
	client := model.NewKey("B", "1")

	require.True(t, mux.Subscribe(pinned, "config_pin"))
	require.True(t, mux.Subscribe(client, "client"))

	ok := mux.FullReconnect(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, mux.Count())

	// The key must still refuse teardown after surviving a full reconnect.
	assert.False(t, mux.Unsubscribe(pinned.Symbol, pinned.Timeframe))
	assert.True(t, mux.Unsubscribe(client.Symbol, client.Timeframe))
	assert.Equal(t, 1, mux.Count())
}
